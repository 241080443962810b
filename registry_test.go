package kestrel

import "testing"

func TestReadinessRegistryInsertPeekRemove(t *testing.T) {
	r := newReadinessRegistry()
	id := nextID()
	r.insert(id, readinessEntry{descriptor: 7, interest: Read})

	entry, ok := r.peek(id)
	if !ok || entry.descriptor != 7 || entry.interest != Read {
		t.Fatalf("peek after insert = %+v, %v", entry, ok)
	}
	if got, ok := r.idForDescriptor(7); !ok || got != id {
		t.Fatalf("idForDescriptor(7) = %d, %v; want %d, true", got, ok, id)
	}
	if r.len() != 1 {
		t.Fatalf("len() = %d, want 1", r.len())
	}

	removed, ok := r.remove(id)
	if !ok || removed.descriptor != 7 {
		t.Fatalf("remove = %+v, %v", removed, ok)
	}
	if r.len() != 0 {
		t.Fatalf("len() after remove = %d, want 0", r.len())
	}
	if _, ok := r.idForDescriptor(7); ok {
		t.Fatalf("idForDescriptor(7) still resolves after remove")
	}
}

// TestReadinessRegistryRemoveIsIdempotent exercises the same invariant
// Deregister relies on: removing an ID that isn't present is reported,
// not panicked.
func TestReadinessRegistryRemoveIsIdempotent(t *testing.T) {
	r := newReadinessRegistry()
	if _, ok := r.remove(nextID()); ok {
		t.Fatalf("remove of unknown id reported ok")
	}
}

func TestReadinessRegistryInsertDuplicatePanics(t *testing.T) {
	r := newReadinessRegistry()
	id := nextID()
	r.insert(id, readinessEntry{descriptor: 1})
	defer func() {
		if recover() == nil {
			t.Fatalf("insert of duplicate id did not panic")
		}
	}()
	r.insert(id, readinessEntry{descriptor: 2})
}

func TestReadinessRegistryUpdate(t *testing.T) {
	r := newReadinessRegistry()
	id := nextID()
	r.insert(id, readinessEntry{descriptor: 3, interest: Read})
	if !r.update(id, Read|Write) {
		t.Fatalf("update on live id reported false")
	}
	entry, _ := r.peek(id)
	if entry.interest != Read|Write {
		t.Fatalf("interest after update = %v, want Read|Write", entry.interest)
	}
	if r.update(nextID(), Read) {
		t.Fatalf("update on unknown id reported true")
	}
}

func TestReadinessRegistryContains(t *testing.T) {
	r := newReadinessRegistry()
	id := nextID()
	if r.contains(id) {
		t.Fatalf("contains reported true before insert")
	}
	r.insert(id, readinessEntry{descriptor: 5})
	if !r.contains(id) {
		t.Fatalf("contains reported false after insert")
	}
	r.remove(id)
	if r.contains(id) {
		t.Fatalf("contains reported true after remove")
	}
}

func TestReadinessRegistryRemoveAll(t *testing.T) {
	r := newReadinessRegistry()
	ids := make([]ID, 0, 5)
	for i := 0; i < 5; i++ {
		id := nextID()
		ids = append(ids, id)
		r.insert(id, readinessEntry{descriptor: i})
	}
	drained := r.removeAll()
	if len(drained) != 5 {
		t.Fatalf("removeAll returned %d entries, want 5", len(drained))
	}
	if r.len() != 0 {
		t.Fatalf("len() after removeAll = %d, want 0", r.len())
	}
	for _, id := range ids {
		if r.contains(id) {
			t.Fatalf("id %d still live after removeAll", id)
		}
	}
}

// TestReadinessRegistryDescriptorReuse exercises the scenario a real
// backend hits constantly: a descriptor is deregistered and its number is
// reused by a later registration (the kernel recycles small FD numbers
// aggressively). The reverse index must always point at the live
// registration, never a stale one.
func TestReadinessRegistryDescriptorReuse(t *testing.T) {
	r := newReadinessRegistry()
	first := nextID()
	r.insert(first, readinessEntry{descriptor: 42})
	r.remove(first)

	second := nextID()
	r.insert(second, readinessEntry{descriptor: 42})

	got, ok := r.idForDescriptor(42)
	if !ok || got != second {
		t.Fatalf("idForDescriptor(42) = %d, %v; want %d, true", got, ok, second)
	}
}
