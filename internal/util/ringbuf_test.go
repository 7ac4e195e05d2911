package util

import "testing"

func TestRingBufferBelowCapacity(t *testing.T) {
	r := NewRingBuffer[int](4)
	r.Push(1)
	r.Push(2)

	if r.Len() != 2 {
		t.Fatalf("len = %d", r.Len())
	}
	got := r.Snapshot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
}

func TestRingBufferSnapshotIsCopy(t *testing.T) {
	r := NewRingBuffer[int](2)
	r.Push(7)
	snap := r.Snapshot()
	snap[0] = 99
	if r.Snapshot()[0] != 7 {
		t.Fatal("snapshot aliases internal buffer")
	}
}
