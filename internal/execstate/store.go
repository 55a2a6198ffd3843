// Package execstate holds the monitor's view of known executions.
package execstate

import (
	"sort"

	"hivewatch/internal/domain"
)

// Partial is a running-agent delta as pushed by the backend.
type Partial struct {
	ID    string
	Name  string
	Phase domain.Phase
}

// Store is owned by a single monitor coordinator and is not safe for
// concurrent use.
type Store struct {
	records  map[string]domain.ExecutionRecord
	order    []string
	revision uint64
}

func New() *Store {
	return &Store{records: make(map[string]domain.ExecutionRecord)}
}

// ReplaceAll swaps in a full snapshot. A snapshot whose revision is lower
// than the last applied one is stale and dropped. Revision 0 is unknown and
// always applies.
func (s *Store) ReplaceAll(revision uint64, records []domain.ExecutionRecord) bool {
	if revision != 0 && revision < s.revision {
		return false
	}
	if revision != 0 {
		s.revision = revision
	}

	s.records = make(map[string]domain.ExecutionRecord, len(records))
	s.order = s.order[:0]
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, dup := s.records[rec.ID]; !dup {
			s.order = append(s.order, rec.ID)
		}
		s.records[rec.ID] = cloneRecord(rec)
	}
	return true
}

// MergeRunning applies phase deltas to records currently flagged running.
// Unknown ids and completed records are left alone. It returns the number
// of records changed.
func (s *Store) MergeRunning(partials []Partial) int {
	changed := 0
	for _, p := range partials {
		rec, ok := s.records[p.ID]
		if !ok || !rec.IsRunning {
			continue
		}
		if p.Phase == "" || rec.Phase == p.Phase {
			continue
		}
		rec.Phase = p.Phase
		s.records[p.ID] = rec
		changed++
	}
	return changed
}

func (s *Store) Revision() uint64 {
	return s.revision
}

func (s *Store) Len() int {
	return len(s.records)
}

func (s *Store) Get(id string) (domain.ExecutionRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

func (s *Store) All() []domain.ExecutionRecord {
	return s.filter(func(domain.ExecutionRecord) bool { return true })
}

func (s *Store) Roots() []domain.ExecutionRecord {
	return s.filter(domain.ExecutionRecord.IsRoot)
}

func (s *Store) Running() []domain.ExecutionRecord {
	return s.filter(func(r domain.ExecutionRecord) bool { return r.IsRunning })
}

// LatestRoot returns the most recently started root execution, preferring
// running ones.
func (s *Store) LatestRoot() (domain.ExecutionRecord, bool) {
	roots := s.Roots()
	if len(roots) == 0 {
		return domain.ExecutionRecord{}, false
	}
	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].IsRunning != roots[j].IsRunning {
			return roots[i].IsRunning
		}
		return roots[i].StartedAt.After(roots[j].StartedAt)
	})
	return roots[0], true
}

func (s *Store) filter(keep func(domain.ExecutionRecord) bool) []domain.ExecutionRecord {
	out := make([]domain.ExecutionRecord, 0, len(s.order))
	for _, id := range s.order {
		rec := s.records[id]
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func cloneRecord(rec domain.ExecutionRecord) domain.ExecutionRecord {
	if rec.ParentID != nil {
		p := *rec.ParentID
		rec.ParentID = &p
	}
	if rec.CompletedAt != nil {
		c := *rec.CompletedAt
		rec.CompletedAt = &c
	}
	return rec
}
