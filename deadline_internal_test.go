package kestrel

import "testing"

func TestDeadlineMillisNeverIsMinusOne(t *testing.T) {
	if got := Never.millis(1000); got != -1 {
		t.Fatalf("Never.millis = %d, want -1", got)
	}
}

func TestDeadlineMillisExpiredIsZero(t *testing.T) {
	d := After(0)
	if got := d.millis(1000); got != 0 {
		t.Fatalf("expired.millis = %d, want 0", got)
	}
}

func TestDeadlineMillisClampsToMax(t *testing.T) {
	d := Now() + Deadline(1<<40)
	if got := d.millis(100); got != 100 {
		t.Fatalf("millis = %d, want clamped to 100", got)
	}
}
