package readset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendLenEntries(t *testing.T) {
	s := New(2)
	assert.Equal(t, 0, s.Len())

	s.Append(Entry{Bucket: 1, Version: 10})
	s.Append(Entry{Bucket: 2, Version: 20})
	s.Append(Entry{Bucket: 3, Version: 30}) // exceeds initialCap, must still grow

	assert.Equal(t, 3, s.Len())
	entries := s.Entries()
	assert.Equal(t, uint64(1), entries[0].Bucket)
	assert.Equal(t, uint64(30), entries[2].Version)
}

func TestReset(t *testing.T) {
	s := New(4)
	s.Append(Entry{Bucket: 1, Version: 1})
	s.Reset()
	assert.Equal(t, 0, s.Len())

	// Appending after Reset starts again at index 0.
	s.Append(Entry{Bucket: 2, Version: 2})
	assert.Equal(t, uint64(2), s.Entries()[0].Bucket)
}
