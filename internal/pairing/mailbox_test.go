package pairing

import (
	"sync"
	"testing"
	"time"
)

func TestMailboxPreservesOrder(t *testing.T) {
	m := newMailbox()
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.run(func(ev Event) {
			mu.Lock()
			got = append(got, ev.(TimerFired).Attempt)
			n := len(got)
			mu.Unlock()
			if n == 1000 {
				m.close()
			}
		})
	}()

	for i := 0; i < 1000; i++ {
		if !m.post(TimerFired{Attempt: i}) {
			t.Fatalf("post(%d) = false before close", i)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mailbox did not drain")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d = %d, out of order", i, v)
		}
	}
}

func TestMailboxPostAfterClose(t *testing.T) {
	m := newMailbox()
	m.close()
	if m.post(Begin{}) {
		t.Fatal("post() = true after close")
	}
	done := make(chan struct{})
	go func() {
		m.run(func(Event) { t.Error("handler called after close") })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return on a closed mailbox")
	}
}
