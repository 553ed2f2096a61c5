package listener

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func collect(events *[]Event, mu *sync.Mutex) Callback {
	return func(ev Event) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	}
}

func TestPrefixMatching(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	defer r.Close()

	var mu sync.Mutex
	var chat, all []Event
	r.On("chat-", collect(&chat, &mu))
	r.On("", collect(&all, &mu))

	r.Notify("chat-1", json.RawMessage(`"hi"`))
	r.Notify("other", json.RawMessage(`"x"`))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(chat) != 1 || chat[0].Key != "chat-1" {
		t.Fatalf("expected one chat event, got %v", chat)
	}
	if len(all) != 2 {
		t.Fatalf("expected catch-all to see both keys, got %d", len(all))
	}
}

func TestDebounceCollapsesToLatest(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)
	defer r.Close()

	var mu sync.Mutex
	var events []Event
	r.On("k", collect(&events, &mu))

	for i := 0; i < 5; i++ {
		b, _ := json.Marshal(i)
		r.Notify("k", b)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected burst to collapse to one event, got %d", len(events))
	}
	if string(events[0].Value) != "4" {
		t.Fatalf("expected latest value 4, got %s", events[0].Value)
	}
}

func TestOffStopsDelivery(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	defer r.Close()

	var mu sync.Mutex
	var events []Event
	id := r.On("k", collect(&events, &mu))
	r.Off(id)

	r.Notify("k", json.RawMessage(`1`))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 0 {
		t.Fatalf("expected no events after Off, got %d", len(events))
	}
}

func TestWaiterFiresOnceAndReplaces(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	got := make(chan string, 2)
	r.AwaitID("m1", func(p json.RawMessage) { got <- "first:" + string(p) })
	r.AwaitID("m1", func(p json.RawMessage) { got <- "second:" + string(p) })

	if !r.FireID("m1", json.RawMessage(`"v"`)) {
		t.Fatalf("expected waiter to be present")
	}
	select {
	case v := <-got:
		if v != `second:"v"` {
			t.Fatalf("expected replacement waiter to fire, got %s", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter never fired")
	}

	if r.FireID("m1", json.RawMessage(`"again"`)) {
		t.Fatalf("expected waiter to be one-shot")
	}
}

func TestCancelID(t *testing.T) {
	r := NewRegistry(0)
	defer r.Close()

	r.AwaitID("m1", func(json.RawMessage) { t.Errorf("cancelled waiter fired") })
	r.CancelID("m1")
	if r.FireID("m1", nil) {
		t.Fatalf("expected no waiter after cancel")
	}
}

func TestNotifyAfterCloseIsIgnored(t *testing.T) {
	r := NewRegistry(5 * time.Millisecond)

	fired := make(chan struct{}, 1)
	r.On("k", func(Event) { fired <- struct{}{} })
	r.Close()
	r.Notify("k", json.RawMessage(`1`))

	select {
	case <-fired:
		t.Fatalf("listener fired after Close")
	case <-time.After(50 * time.Millisecond):
	}
}
