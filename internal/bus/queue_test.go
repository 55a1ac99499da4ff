package bus

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_PushPop(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}

	if _, ok := q.TryPop(); ok {
		t.Error("TryPop() on empty queue returned true")
	}
}

func TestQueue_GrowsAndKeepsOrder(t *testing.T) {
	q := NewQueue[int](4)

	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	if stats.Len != 100 {
		t.Errorf("Len = %d, want 100", stats.Len)
	}
	if stats.Resizes < 3 {
		t.Errorf("Resizes = %d, expected at least 3", stats.Resizes)
	}
	if stats.Peak != 100 {
		t.Errorf("Peak = %d, want 100", stats.Peak)
	}

	for i := 0; i < 100; i++ {
		val, _ := q.TryPop()
		if val != i {
			t.Fatalf("popped %d, want %d", val, i)
		}
	}
}

func TestQueue_WrapAround(t *testing.T) {
	q := NewQueue[int](5)

	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.TryPop()
	q.TryPop()

	// Wraps, then grows while wrapped
	q.Push(4)
	q.Push(5)
	q.Push(6)
	q.Push(7)
	q.Push(8)

	for _, want := range []int{3, 4, 5, 6, 7, 8} {
		got, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestQueue_BlockingPop(t *testing.T) {
	q := NewQueue[int](10)
	got := make(chan int, 1)

	go func() {
		if val, ok := q.Pop(); ok {
			got <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(42)

	select {
	case val := <-got:
		if val != 42 {
			t.Errorf("popped %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Pop")
	}
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue[int](10)
	q.Push(1)
	q.Close()

	if q.Push(2) {
		t.Error("Push should return false after Close")
	}

	// Pending items survive Close
	val, ok := q.Pop()
	if !ok || val != 1 {
		t.Errorf("Pop() = %d, %v; want 1, true", val, ok)
	}

	if _, ok := q.Pop(); ok {
		t.Error("Pop should return false when closed and empty")
	}
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	q := NewQueue[int](10)
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop should return false when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Pop")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue[int](10)
	for i := 0; i < 10; i++ {
		q.Push(i)
	}

	items := q.Drain(5)
	if len(items) != 5 {
		t.Errorf("Drain(5) returned %d items, want 5", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}

	items = q.Drain(0)
	if len(items) != 5 {
		t.Errorf("Drain(0) returned %d items, want 5", len(items))
	}
	if q.Drain(0) != nil {
		t.Error("Drain on empty queue should return nil")
	}
}

func TestQueue_ConcurrentPushPop(t *testing.T) {
	q := NewQueue[int](10)
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()

	seen := make(map[int]bool, n)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			val, ok := q.Pop()
			if ok {
				seen[val] = true
			}
		}
	}()

	wg.Wait()

	if len(seen) != n {
		t.Errorf("received %d distinct items, want %d", len(seen), n)
	}
	stats := q.Stats()
	if stats.Pushed != n || stats.Popped != n {
		t.Errorf("stats = %+v, want pushed=popped=%d", stats, n)
	}
}
