package bus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := New(10)
	var got []string
	b.Subscribe("starts", []string{"request_started"}, func(e Event) error {
		got = append(got, "starts:"+e.Type)
		return nil
	})
	b.Subscribe("all", []string{Wildcard}, func(e Event) error {
		got = append(got, "all:"+e.Type)
		return nil
	})

	b.Publish("request_started", map[string]any{"conversation_id": "c1"}, "router")
	b.Publish("response_complete", nil, "router")

	want := []string{"starts:request_started", "all:request_started", "all:response_complete"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("delivery = %v, want %v", got, want)
	}
}

func TestSubscribeRejectsEmptyTypes(t *testing.T) {
	b := New(10)
	if b.Subscribe("x", nil, func(Event) error { return nil }) {
		t.Fatal("subscribe with no types should fail")
	}
	if b.Subscribe("x", []string{"a"}, nil) {
		t.Fatal("subscribe with nil callback should fail")
	}
}

func TestAllAliasActsAsWildcard(t *testing.T) {
	b := New(10)
	n := 0
	b.Subscribe("s", []string{WildcardAlias}, func(Event) error { n++; return nil })
	b.Publish("anything", nil, "")
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(10)
	n := 0
	b.Subscribe("s", []string{"a"}, func(Event) error { n++; return nil })
	if !b.Unsubscribe("s") {
		t.Fatal("unsubscribe should succeed")
	}
	if b.Unsubscribe("s") {
		t.Fatal("second unsubscribe should report false")
	}
	b.Publish("a", nil, "")
	if n != 0 {
		t.Fatalf("unsubscribed callback invoked %d times", n)
	}
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(10)
	delivered := false
	b.Subscribe("bad", []string{"a"}, func(Event) error { return errors.New("boom") })
	b.Subscribe("panics", []string{"a"}, func(Event) error { panic("kaboom") })
	b.Subscribe("good", []string{"a"}, func(Event) error { delivered = true; return nil })

	evt := b.Publish("a", nil, "")
	if !delivered {
		t.Fatal("good subscriber was not invoked")
	}
	if h := b.History(0); len(h) != 1 || h[0].ID != evt.ID {
		t.Fatalf("event not recorded: %+v", h)
	}
}

func TestHistoryBoundAndOrder(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Publish(fmt.Sprintf("t%d", i), nil, "")
	}
	h := b.History(0)
	if len(h) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(h))
	}
	for i, want := range []string{"t2", "t3", "t4"} {
		if h[i].Type != want {
			t.Fatalf("history[%d] = %s, want %s", i, h[i].Type, want)
		}
	}

	h = b.History(2)
	if len(h) != 2 || h[0].Type != "t3" || h[1].Type != "t4" {
		t.Fatalf("limited history wrong: %+v", h)
	}
}

func TestHistoryTypeFilter(t *testing.T) {
	b := New(10)
	b.Publish("a", nil, "")
	b.Publish("b", nil, "")
	b.Publish("a", nil, "")
	h := b.History(0, "a")
	if len(h) != 2 {
		t.Fatalf("expected 2 events of type a, got %d", len(h))
	}
	if len(b.History(1, "a")) != 1 {
		t.Fatal("limit should apply after filtering")
	}
}

func TestClearHistory(t *testing.T) {
	b := New(10)
	b.Publish("a", nil, "")
	b.ClearHistory()
	if len(b.History(0)) != 0 {
		t.Fatal("history should be empty after clear")
	}
	b.Publish("b", nil, "")
	if h := b.History(0); len(h) != 1 || h[0].Type != "b" {
		t.Fatalf("unexpected history after clear: %+v", h)
	}
}

func TestEventIDsUnique(t *testing.T) {
	b := New(100)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		e := b.Publish("a", nil, "")
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestCallbackMayPublish(t *testing.T) {
	b := New(10)
	b.Subscribe("chain", []string{"first"}, func(Event) error {
		b.Publish("second", nil, "chain")
		return nil
	})
	b.Publish("first", nil, "")
	h := b.History(0)
	if len(h) != 2 || h[1].Type != "second" {
		t.Fatalf("re-entrant publish failed: %+v", h)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New(1000)
	var mu sync.Mutex
	n := 0
	b.Subscribe("count", []string{Wildcard}, func(Event) error {
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish("x", nil, "")
			}
		}()
	}
	wg.Wait()
	if n != 500 || len(b.History(0)) != 500 {
		t.Fatalf("deliveries=%d history=%d, want 500", n, len(b.History(0)))
	}
}

func TestSubscribersListing(t *testing.T) {
	b := New(10)
	b.Subscribe("log", []string{Wildcard}, func(Event) error { return nil })
	b.Subscribe("mem", []string{"request_started"}, func(Event) error { return nil })
	subs := b.Subscribers()
	if len(subs) != 2 || subs["log"][0] != Wildcard || subs["mem"][0] != "request_started" {
		t.Fatalf("unexpected subscribers: %v", subs)
	}
}
