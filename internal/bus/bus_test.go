package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/voxflow/internal/schema"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishDelivers(t *testing.T) {
	b := New()
	defer b.Shutdown()

	var mu sync.Mutex
	var got []Event
	b.Subscribe(protocol.TriggerAgentCompleted, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	ev := NewEvent(protocol.TriggerAgentCompleted, "wf_1", "agent_1", map[string]any{"r": 1})
	if err := b.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Different trigger: must not reach the subscriber.
	b.Publish(NewEvent(protocol.TriggerAgentFailed, "wf_1", "agent_2", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].EventID != ev.EventID || got[0].AgentID != "agent_1" {
		t.Errorf("delivered event = %+v", got[0])
	}
}

func TestSubscribeAllSeesEveryTrigger(t *testing.T) {
	b := New()
	defer b.Shutdown()

	var count sync.WaitGroup
	count.Add(2)
	b.SubscribeAll(func(ev Event) { count.Done() })

	b.Publish(NewEvent(protocol.TriggerWorkflowStarted, "wf_1", "", nil))
	b.Publish(NewEvent(protocol.TriggerGateFailed, "wf_1", "a", nil))

	done := make(chan struct{})
	go func() { count.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("catch-all handler did not see both events")
	}
}

func TestFIFOPerHandler(t *testing.T) {
	b := New()
	defer b.Shutdown()

	const n = 200
	var mu sync.Mutex
	var seen []int
	b.Subscribe(protocol.TriggerAgentCompleted, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Payload["seq"].(int))
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		if err := b.Publish(NewEvent(protocol.TriggerAgentCompleted, "wf_1", "", map[string]any{"seq": i})); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("event %d observed out of order (got seq %d)", i, v)
		}
	}
}

func TestOverflowRejectsPublish(t *testing.T) {
	b := New(WithQueueSize(1))
	defer b.Shutdown()

	// Block the worker so the queue cannot drain.
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	b.Subscribe(protocol.TriggerAgentCompleted, func(ev Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	b.Publish(NewEvent(protocol.TriggerAgentCompleted, "wf_1", "", nil)) // consumed by worker, blocks
	<-started
	b.Publish(NewEvent(protocol.TriggerAgentCompleted, "wf_1", "", nil)) // fills the queue

	err := b.Publish(NewEvent(protocol.TriggerAgentCompleted, "wf_1", "", nil))
	if !errors.Is(err, schema.ErrBusOverflow) {
		t.Errorf("Publish on full queue = %v, want ErrBusOverflow", err)
	}
	close(release)
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New()
	defer b.Shutdown()

	var mu sync.Mutex
	delivered := 0
	b.Subscribe(protocol.TriggerAgentCompleted, func(ev Event) { panic("boom") })
	b.Subscribe(protocol.TriggerAgentCompleted, func(ev Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	b.Publish(NewEvent(protocol.TriggerAgentCompleted, "wf_1", "", nil))
	b.Publish(NewEvent(protocol.TriggerAgentCompleted, "wf_1", "", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	})
}

func TestPublishAfterShutdown(t *testing.T) {
	b := New()
	b.Shutdown()
	if err := b.Publish(NewEvent(protocol.TriggerAgentCompleted, "wf_1", "", nil)); !errors.Is(err, schema.ErrCancelled) {
		t.Errorf("Publish after Shutdown = %v, want ErrCancelled", err)
	}
	// Second shutdown is a no-op.
	b.Shutdown()
}

func TestShutdownDrainsQueue(t *testing.T) {
	b := New()

	var mu sync.Mutex
	count := 0
	b.Subscribe(protocol.TriggerAgentCompleted, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	for i := 0; i < 50; i++ {
		b.Publish(NewEvent(protocol.TriggerAgentCompleted, "wf_1", "", nil))
	}
	b.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if count != 50 {
		t.Errorf("delivered %d of 50 events before shutdown returned", count)
	}
}
