// Package hl7v2 parses pipe-delimited HL7 v2 messages far enough to flatten
// them into tabular rows keyed by segment.field.component notation
// (PID-5.1), the shape the ingestion pipeline consumes.
package hl7v2

import (
	"fmt"
	"strings"
)

// Message is a parsed HL7 v2 message.
type Message struct {
	Type      string // MSH-9, e.g. "ADT^A01"
	ControlID string // MSH-10
	Version   string // MSH-12
	Segments  []Segment
}

// Segment is a single named segment with its fields in wire order.
type Segment struct {
	Name   string // "MSH", "PID", "OBX"...
	Fields []Field
}

// Field holds the raw field value and its component split.
type Field struct {
	Value      string
	Components []string
}

// Parse parses raw HL7 v2 bytes. It accepts \r, \n, and \r\n segment
// separators.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH")
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	// MSH-9/10/12 with MSH-1 being the field separator itself.
	msh := msg.Segments[0]
	msg.Type = fieldValue(msh, 9)
	msg.ControlID = fieldValue(msh, 10)
	msg.Version = fieldValue(msh, 12)
	return msg, nil
}

func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	name := line[:3]
	seg := Segment{Name: name}

	if name == "MSH" {
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		// MSH-1 is the separator character itself; the split after "MSH|"
		// yields MSH-2 onward.
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		for _, f := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, parseField(f))
		}
		return seg, nil
	}

	parts := strings.Split(line, "|")
	for _, f := range parts[1:] {
		seg.Fields = append(seg.Fields, parseField(f))
	}
	return seg, nil
}

func parseField(raw string) Field {
	return Field{Value: raw, Components: strings.Split(raw, "^")}
}

// fieldValue returns the raw value of the 1-based field number, or "".
func fieldValue(seg Segment, n int) string {
	if n < 1 || n > len(seg.Fields) {
		return ""
	}
	return seg.Fields[n-1].Value
}

// Component returns the value at segment.field.component notation, e.g.
// ("PID", 5, 1) for the family name in PID-5.1. Component 0 means the whole
// field. The first matching segment wins.
func (m *Message) Component(segment string, field, component int) string {
	for _, seg := range m.Segments {
		if seg.Name != segment {
			continue
		}
		if field < 1 || field > len(seg.Fields) {
			return ""
		}
		f := seg.Fields[field-1]
		if component <= 0 {
			return f.Value
		}
		if component > len(f.Components) {
			return ""
		}
		return f.Components[component-1]
	}
	return ""
}

// Flatten renders the message as a flat row keyed by HL7 path notation:
// single-component fields appear as "PID-3", multi-component fields as
// "PID-5.1", "PID-5.2", ... Empty values are omitted. Repeated segment
// names get a "#n" suffix from the second occurrence on (OBX#2-5).
func (m *Message) Flatten() map[string]any {
	row := make(map[string]any)
	seen := make(map[string]int)

	for _, seg := range m.Segments {
		seen[seg.Name]++
		prefix := seg.Name
		if n := seen[seg.Name]; n > 1 {
			prefix = fmt.Sprintf("%s#%d", seg.Name, n)
		}

		for i, f := range seg.Fields {
			fieldNum := i + 1
			if seg.Name == "MSH" && fieldNum == 1 {
				continue // the separator character is not data
			}
			if len(f.Components) <= 1 {
				if f.Value != "" {
					row[fmt.Sprintf("%s-%d", prefix, fieldNum)] = f.Value
				}
				continue
			}
			for j, comp := range f.Components {
				if comp != "" {
					row[fmt.Sprintf("%s-%d.%d", prefix, fieldNum, j+1)] = comp
				}
			}
		}
	}
	return row
}
