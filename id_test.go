package kestrel

import "testing"

func TestWakeupIDIsZero(t *testing.T) {
	if WakeupID != 0 {
		t.Fatalf("WakeupID = %d, want 0", WakeupID)
	}
}

func TestNextIDNeverReturnsWakeupID(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 10000; i++ {
		id := nextID()
		if id == WakeupID {
			t.Fatalf("nextID returned the reserved WakeupID")
		}
		if seen[id] {
			t.Fatalf("nextID returned duplicate id %d", id)
		}
		seen[id] = true
	}
}
