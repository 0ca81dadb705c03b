// Package store holds the in-memory posting log shared by the in-memory
// record stores.
package store

import "github.com/warp/fleet-ledger/generic"

// =============================================================================
// LOG - Unsynchronized posting log
// =============================================================================

// Log is an append-only posting log with entity and reference indexes.
// It is not safe for concurrent use; the owning store does the locking.
type Log struct {
	postings    []generic.Posting
	byEntity    map[generic.Ref][]int
	byReference map[string][]int
	idempotency map[string]bool
}

func NewLog() *Log {
	return &Log{
		byEntity:    make(map[generic.Ref][]int),
		byReference: make(map[string][]int),
		idempotency: make(map[string]bool),
	}
}

// Append adds one posting. Append-only.
func (l *Log) Append(p generic.Posting) error {
	if p.IdempotencyKey != "" && l.idempotency[p.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	i := len(l.postings)
	l.postings = append(l.postings, p)
	l.byEntity[p.Entity] = append(l.byEntity[p.Entity], i)
	if p.ReferenceID != "" {
		l.byReference[p.ReferenceID] = append(l.byReference[p.ReferenceID], i)
	}
	if p.IdempotencyKey != "" {
		l.idempotency[p.IdempotencyKey] = true
	}
	return nil
}

// AppendBatch adds all postings or none.
func (l *Log) AppendBatch(ps []generic.Posting) error {
	seen := make(map[string]bool, len(ps))
	for _, p := range ps {
		if p.IdempotencyKey == "" {
			continue
		}
		if l.idempotency[p.IdempotencyKey] || seen[p.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[p.IdempotencyKey] = true
	}
	for _, p := range ps {
		if err := l.Append(p); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Postings(entity generic.Ref) []generic.Posting {
	return l.pick(l.byEntity[entity])
}

func (l *Log) PostingsByReference(referenceID string) []generic.Posting {
	return l.pick(l.byReference[referenceID])
}

func (l *Log) Exists(idempotencyKey string) bool {
	return l.idempotency[idempotencyKey]
}

// Len returns the number of postings.
func (l *Log) Len() int { return len(l.postings) }

func (l *Log) pick(idx []int) []generic.Posting {
	out := make([]generic.Posting, len(idx))
	for i, j := range idx {
		out[i] = l.postings[j]
	}
	return out
}

// Clone returns an independent copy, used for transaction snapshots.
func (l *Log) Clone() *Log {
	c := &Log{
		postings:    append([]generic.Posting(nil), l.postings...),
		byEntity:    make(map[generic.Ref][]int, len(l.byEntity)),
		byReference: make(map[string][]int, len(l.byReference)),
		idempotency: make(map[string]bool, len(l.idempotency)),
	}
	for k, v := range l.byEntity {
		c.byEntity[k] = append([]int(nil), v...)
	}
	for k, v := range l.byReference {
		c.byReference[k] = append([]int(nil), v...)
	}
	for k, v := range l.idempotency {
		c.idempotency[k] = v
	}
	return c
}
