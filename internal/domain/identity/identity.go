// Package identity generates stable person_id / visit_occurrence_id values
// from natural keys. Ids are a pure function of the normalized key, so
// repeated derivation yields identical values across runs and processes; a
// persistent key cache records first-seen and last-seen times.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

// Kind distinguishes the id namespaces sharing the cache table.
type Kind string

const (
	KindPerson Kind = "person"
	KindVisit  Kind = "visit"
)

const (
	// Ids are always 15-digit positive integers.
	idRange  = 900_000_000_000_000
	idOffset = 100_000_000_000_000
)

// CacheRepository persists the natural-key to id cache.
type CacheRepository interface {
	// Get returns the cached id and refreshes last_seen; ok is false on a
	// cache miss.
	Get(ctx context.Context, key string, kind Kind) (id int64, ok bool, err error)
	Put(ctx context.Context, key string, kind Kind, id int64) error
}

// Service derives deterministic ids with a write-through cache.
type Service struct {
	cache CacheRepository
}

// NewService creates an id service over the given cache.
func NewService(cache CacheRepository) *Service {
	return &Service{cache: cache}
}

// NormalizeKey lowercases, trims, and pipe-joins the key parts.
func NormalizeKey(parts ...string) string {
	norm := make([]string, len(parts))
	for i, p := range parts {
		norm[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(norm, "|")
}

// PersonKey builds the person natural key: the MRN when present, otherwise
// first|last|dob. The composition rule is applied uniformly everywhere a
// person id is derived.
func PersonKey(mrn, first, last, dob string) string {
	if strings.TrimSpace(mrn) != "" {
		return NormalizeKey(mrn)
	}
	return NormalizeKey(first, last, dob)
}

// VisitKey builds the visit natural key from the owning person key and the
// source visit identifier.
func VisitKey(personKey, visitID string) string {
	return personKey + "|visit|" + strings.ToLower(strings.TrimSpace(visitID))
}

// DeriveID hashes the normalized key into a 15-digit positive integer.
// It is total and collision-resistant over realistic key populations.
func DeriveID(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint64(sum[:8])
	return int64(v%idRange) + idOffset
}

// idFor returns the id for a normalized key, consulting the cache first.
func (s *Service) idFor(ctx context.Context, key string, kind Kind) (int64, error) {
	if key == "" || key == "||" {
		return 0, fmt.Errorf("empty natural key")
	}

	if id, ok, err := s.cache.Get(ctx, key, kind); err != nil {
		return 0, fmt.Errorf("id cache get: %w", err)
	} else if ok {
		return id, nil
	}

	id := DeriveID(key)
	if err := s.cache.Put(ctx, key, kind, id); err != nil {
		return 0, fmt.Errorf("id cache put: %w", err)
	}
	return id, nil
}

// PersonID returns the stable person_id for the given demographics.
func (s *Service) PersonID(ctx context.Context, mrn, first, last, dob string) (int64, error) {
	return s.idFor(ctx, PersonKey(mrn, first, last, dob), KindPerson)
}

// PersonIDForKey returns the stable person_id for a pre-built natural key.
func (s *Service) PersonIDForKey(ctx context.Context, key string) (int64, error) {
	return s.idFor(ctx, key, KindPerson)
}

// VisitOccurrenceID returns the stable visit_occurrence_id for a visit of
// the person identified by personKey.
func (s *Service) VisitOccurrenceID(ctx context.Context, personKey, visitID string) (int64, error) {
	return s.idFor(ctx, VisitKey(personKey, visitID), KindVisit)
}
