package dispatch

import (
	"sync"
	"testing"
)

func TestSignalResolveIdempotent(t *testing.T) {
	sig := newSignal()
	if sig.Resolved() {
		t.Fatal("fresh signal must not be resolved")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig.Resolve()
		}()
	}
	wg.Wait()

	if !sig.Resolved() {
		t.Fatal("signal should be resolved")
	}
	select {
	case <-sig.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}
