package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// PathSegment is one step of a parsed field path. Index is -1 when the
// segment has no array subscript.
type PathSegment struct {
	Name  string
	Index int
}

// Path is a parsed field path, e.g. "name[0].given[1]" becomes
// [{name 0} {given 1}].
type Path []PathSegment

// ParsePath parses the target-path grammar:
//
//	path    ::= segment ('.' segment)*
//	segment ::= name | name '[' uint ']'
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty path")
	}

	var path Path
	for _, part := range strings.Split(raw, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty segment in path %q", raw)
		}

		name := part
		index := -1
		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("unterminated subscript in segment %q", part)
			}
			name = part[:open]
			if name == "" {
				return nil, fmt.Errorf("missing name before subscript in segment %q", part)
			}
			idx, err := strconv.ParseUint(part[open+1:len(part)-1], 10, 31)
			if err != nil {
				return nil, fmt.Errorf("bad subscript in segment %q", part)
			}
			index = int(idx)
		}
		if strings.ContainsAny(name, "[]") {
			return nil, fmt.Errorf("stray bracket in segment %q", part)
		}

		path = append(path, PathSegment{Name: name, Index: index})
	}
	return path, nil
}

// String renders the path back to its source form.
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg.Name)
		if seg.Index >= 0 {
			fmt.Fprintf(&b, "[%d]", seg.Index)
		}
	}
	return b.String()
}

// Set materializes arrays and objects along the path in doc and assigns
// value at the leaf.
func (p Path) Set(doc map[string]any, value any) error {
	if len(p) == 0 {
		return fmt.Errorf("empty path")
	}

	current := doc
	for i, seg := range p {
		last := i == len(p)-1

		if seg.Index < 0 {
			if last {
				current[seg.Name] = value
				return nil
			}
			next, ok := current[seg.Name].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[seg.Name] = next
			}
			current = next
			continue
		}

		arr, _ := current[seg.Name].([]any)
		for len(arr) <= seg.Index {
			arr = append(arr, nil)
		}
		current[seg.Name] = arr

		if last {
			arr[seg.Index] = value
			return nil
		}
		next, ok := arr[seg.Index].(map[string]any)
		if !ok {
			next = make(map[string]any)
			arr[seg.Index] = next
		}
		current = next
	}
	return nil
}

// Get walks the path in doc, returning false when any step is absent.
func (p Path) Get(doc map[string]any) (any, bool) {
	var current any = doc
	for _, seg := range p {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg.Name]
		if !ok {
			return nil, false
		}
		if seg.Index >= 0 {
			arr, ok := current.([]any)
			if !ok || seg.Index >= len(arr) {
				return nil, false
			}
			current = arr[seg.Index]
		}
	}
	return current, current != nil
}
