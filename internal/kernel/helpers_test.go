package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kernelroute/internal/protocol"
)

// recorder collects events from a kernel stream.
type recorder struct {
	mu     sync.Mutex
	events []*protocol.EventEnvelope
	slips  [][]string
	signal chan struct{}
}

func record(n Node) *recorder {
	r := &recorder{signal: make(chan struct{}, 64)}
	n.SubscribeToKernelEvents(func(ev *protocol.EventEnvelope) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.slips = append(r.slips, ev.RoutingSlip().ToArray())
		r.mu.Unlock()
		select {
		case r.signal <- struct{}{}:
		default:
		}
	})
	return r
}

func (r *recorder) types() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType())
	}
	return out
}

func (r *recorder) ofType(t protocol.EventType) []*protocol.EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.EventEnvelope
	for _, ev := range r.events {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

// slipOf returns the routing slip an event had when it was delivered.
func (r *recorder) slipOf(t protocol.EventType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.EventType() == t {
			return r.slips[i]
		}
	}
	return nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.slips = nil
}

// waitFor blocks until an event of type t has been recorded.
func (r *recorder) waitFor(t *testing.T, et protocol.EventType) *protocol.EventEnvelope {
	t.Helper()
	return r.waitForN(t, et, 1)[0]
}

// waitForN blocks until n events of type et have been recorded.
func (r *recorder) waitForN(t *testing.T, et protocol.EventType, n int) []*protocol.EventEnvelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := r.ofType(et); len(got) >= n {
			return got
		}
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s; have %v", n, et, r.types())
			return nil
		}
	}
}

func terminalCount(types []protocol.EventType) int {
	n := 0
	for _, et := range types {
		if et.IsTerminal() {
			n++
		}
	}
	return n
}

func submitCode(code, target string) *protocol.CommandEnvelope {
	cmd := &protocol.SubmitCode{Code: code}
	cmd.TargetKernelName = target
	return protocol.NewCommandEnvelope(cmd)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// evaluator registers a SubmitCode handler that returns code as its value.
func evaluator(k *Kernel, result string) {
	k.RegisterCommandHandler(protocol.SubmitCodeType, func(_ context.Context, inv Invocation) error {
		inv.Publish(&protocol.ReturnValueProduced{DisplayEvent: protocol.DisplayEvent{
			FormattedValues: []protocol.FormattedValue{protocol.PlainText(result)},
		}})
		return nil
	})
}
