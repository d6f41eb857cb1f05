// Package readset implements the per-transaction read set: an ordered
// log of (lock bucket, version) pairs used to validate and extend a
// transaction's snapshot.
package readset

// Entry records the lock value observed when a transactional load
// completed.
type Entry struct {
	Bucket  uint64
	Version uint64
}

// Set is a growable log of read-set entries. It intentionally has no
// internal locking: a Set belongs to exactly one transaction and is
// only ever touched by that transaction's owning goroutine.
type Set struct {
	entries []Entry
}

// New creates an empty read set with room for initialCap entries
// before the first growth.
func New(initialCap int) *Set {
	return &Set{entries: make([]Entry, 0, initialCap)}
}

// Append records a new (bucket, version) pair. Unlike the write set,
// the read set grows with an ordinary Go append: nothing else ever
// holds an index into it across a growth, so there is no need for the
// write set's explicit-reallocation dance.
func (s *Set) Append(e Entry) {
	s.entries = append(s.entries, e)
}

// Len returns the number of recorded entries.
func (s *Set) Len() int { return len(s.entries) }

// Entries exposes the recorded entries for validation.
func (s *Set) Entries() []Entry { return s.entries }

// Reset clears the set for reuse by a restarted or newly begun
// transaction, keeping the backing array.
func (s *Set) Reset() {
	s.entries = s.entries[:0]
}
