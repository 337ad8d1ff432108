package event

import (
	"sync"
	"testing"
)

func TestBus_DeliversInPublishOrder(t *testing.T) {
	t.Parallel()

	var b Bus[int]
	var got []int
	b.Subscribe(func(v int) { got = append(got, v) })

	for i := range 5 {
		b.Publish(i)
	}

	if len(got) != 5 {
		t.Fatalf("got %d values; want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %d; want %d", i, v, i)
		}
	}
}

func TestBus_SubscriberOrder(t *testing.T) {
	t.Parallel()

	var b Bus[string]
	var calls []string
	b.Subscribe(func(string) { calls = append(calls, "first") })
	b.Subscribe(func(string) { calls = append(calls, "second") })
	b.Publish("x")

	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v; want [first second]", calls)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()

	var b Bus[int]
	count := 0
	unsub := b.Subscribe(func(int) { count++ })
	b.Publish(1)
	unsub()
	unsub() // idempotent
	b.Publish(2)

	if count != 1 {
		t.Errorf("count = %d; want 1", count)
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d; want 0", b.Len())
	}
}

func TestBus_UnsubscribeFromHandler(t *testing.T) {
	t.Parallel()

	var b Bus[int]
	count := 0
	var unsub func()
	unsub = b.Subscribe(func(int) {
		count++
		unsub()
	})
	b.Publish(1)
	b.Publish(2)

	if count != 1 {
		t.Errorf("count = %d; want 1", count)
	}
}

func TestBus_ConcurrentPublishIsSerialised(t *testing.T) {
	t.Parallel()

	var b Bus[int]
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	b.Subscribe(func(int) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(i)
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("maxInFlight = %d; want 1", maxInFlight)
	}
}
