package idgen

import (
	"sort"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id := NewID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewID() = %q is not a uuid: %v", id, err)
	}
	if NewID() == id {
		t.Error("NewID() returned duplicate ids")
	}
}

func TestNewULID_Monotonic(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = NewULID()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("NewULID() ids are not lexicographically increasing")
	}
}

func TestNewFileID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewFileID()
		if len(id) != 21 {
			t.Fatalf("NewFileID() len = %d, want 21", len(id))
		}
		if seen[id] {
			t.Fatalf("NewFileID() duplicate %q", id)
		}
		seen[id] = true
	}
}
