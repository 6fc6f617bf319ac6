package dispatch

import (
	"sync"
	"testing"
	"time"
)

func TestTicketGateOrdersStarts(t *testing.T) {
	gate := newTicketGate()
	var mu sync.Mutex
	var started []uint64

	var wg sync.WaitGroup
	for i := uint64(0); i < 5; i++ {
		wg.Add(1)
		go func(ticket uint64) {
			defer wg.Done()
			gate.Wait(ticket)
			mu.Lock()
			started = append(started, ticket)
			mu.Unlock()
			gate.Advance()
		}(i)
	}
	wg.Wait()

	for i, ticket := range started {
		if ticket != uint64(i) {
			t.Fatalf("expected starts in order, got %v", started)
		}
	}
}

func TestTicketGateAllowsConcurrentBodiesAfterAdvance(t *testing.T) {
	gate := newTicketGate()
	release := make(chan struct{})
	secondStarted := make(chan struct{})

	go func() {
		gate.Wait(0)
		gate.Advance() // admit ticket 1 before this body finishes
		<-release
	}()

	go func() {
		gate.Wait(1)
		close(secondStarted)
		gate.Advance()
	}()

	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("ticket 1 never started even though ticket 0 advanced the gate")
	}
	close(release)
}
