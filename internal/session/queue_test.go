package session

import "testing"

func TestDropQueue_NoDropsWithinCapacity(t *testing.T) {
	q := newDropQueue[int](3)
	for i := 1; i <= 3; i++ {
		if n := q.push(i); n != 0 {
			t.Fatalf("push(%d) dropped %d, want 0", i, n)
		}
	}
	if q.len() != 3 {
		t.Errorf("len = %d, want 3", q.len())
	}
	if q.droppedTotal() != 0 {
		t.Errorf("droppedTotal = %d, want 0", q.droppedTotal())
	}
}

func TestDropQueue_OverflowShedsOldest(t *testing.T) {
	q := newDropQueue[int](2)
	q.push(1)
	q.push(2)
	if n := q.push(3); n != 1 {
		t.Fatalf("push(3) dropped %d, want 1", n)
	}

	q.close()
	var got []int
	for v := range q.out() {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("remaining = %v, want [2 3]", got)
	}
	if q.droppedTotal() != 1 {
		t.Errorf("droppedTotal = %d, want 1", q.droppedTotal())
	}
}

func TestDropQueue_MinimumCapacity(t *testing.T) {
	q := newDropQueue[string](0)
	q.push("a")
	if n := q.push("b"); n != 1 {
		t.Fatalf("push dropped %d, want 1", n)
	}
	q.close()
	v, ok := <-q.out()
	if !ok || v != "b" {
		t.Errorf("got %q (ok=%v), want b", v, ok)
	}
}
