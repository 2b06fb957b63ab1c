package kernel

import (
	"context"
	"testing"

	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/testutil/testlog"
)

func TestInvocationContextFiltersByLineage(t *testing.T) {
	testlog.Start(t)
	root := submitCode("root", "")
	child := protocol.NewCommandEnvelope(&protocol.RequestValue{Name: "x"})
	if err := child.SetParent(root); err != nil {
		t.Fatalf("set parent: %v", err)
	}
	sibling := submitCode("other", "")

	ic := newInvocationContext(root)
	var got []*protocol.EventEnvelope
	ic.Subscribe(func(ev *protocol.EventEnvelope) { got = append(got, ev) })

	ic.Publish(protocol.NewEventEnvelope(&protocol.DisplayedValueProduced{}, nil))
	ic.Publish(protocol.NewEventEnvelope(&protocol.DisplayedValueProduced{}, child))
	ic.Publish(protocol.NewEventEnvelope(&protocol.DisplayedValueProduced{}, sibling))

	if len(got) != 2 {
		t.Fatalf("expected root and descendant events only, got %d", len(got))
	}
	if !protocol.SameCommand(got[0].Command(), root) {
		t.Fatalf("unattributed event should be attributed to the root")
	}
}

func TestInvocationContextTerminalOnce(t *testing.T) {
	testlog.Start(t)
	root := submitCode("root", "")
	ic := newInvocationContext(root)
	var got []protocol.EventType
	ic.Subscribe(func(ev *protocol.EventEnvelope) { got = append(got, ev.EventType()) })

	ic.Fail("first")
	ic.Fail("second")
	ic.Complete(root)
	ic.Publish(protocol.NewEventEnvelope(&protocol.DisplayedValueProduced{}, root))
	ic.Dispose()

	if len(got) != 1 || got[0] != protocol.CommandFailedType {
		t.Fatalf("expected exactly one CommandFailed, got %v", got)
	}
	if msg, failed := ic.Failure(); !failed || msg != "first" {
		t.Fatalf("unexpected failure state: %q %v", msg, failed)
	}
}

func TestInvocationContextCompleteChildDoesNotTerminate(t *testing.T) {
	testlog.Start(t)
	root := submitCode("root", "")
	child := submitCode("child", "")
	if err := child.SetParent(root); err != nil {
		t.Fatalf("set parent: %v", err)
	}
	ic := newInvocationContext(root)
	ic.addChild(child)

	ic.Complete(child)
	if ic.IsTerminal() {
		t.Fatalf("completing a child must not end the context")
	}
	ic.Dispose()
	if !ic.IsTerminal() {
		t.Fatalf("dispose should complete the root")
	}
	if _, failed := ic.Failure(); failed {
		t.Fatalf("dispose should succeed, not fail")
	}
}

func TestInvocationContextStampsHandlingKernel(t *testing.T) {
	testlog.Start(t)
	k := New("py")
	root := submitCode("root", "")
	ic := newInvocationContext(root)
	if prev := ic.SetHandlingKernel(k); prev != nil {
		t.Fatalf("fresh context should have no handling kernel")
	}
	var slips [][]string
	ic.Subscribe(func(ev *protocol.EventEnvelope) { slips = append(slips, ev.RoutingSlip().ToArray()) })

	ic.Publish(protocol.NewEventEnvelope(&protocol.DisplayedValueProduced{}, root))
	ic.Complete(root)

	if len(slips) != 2 {
		t.Fatalf("expected two events, got %d", len(slips))
	}
	for _, slip := range slips {
		if !equalStrings(slip, []string{"kernel://local/py"}) {
			t.Fatalf("unexpected slip: %v", slip)
		}
	}
}

func TestEstablishJoinsLiveContext(t *testing.T) {
	testlog.Start(t)
	root := submitCode("root", "")
	ctx, ic, created := establish(context.Background(), root)
	if !created || InvocationFrom(ctx) != ic {
		t.Fatalf("expected a new context on ctx")
	}
	child := submitCode("child", "")
	_, joined, created := establish(ctx, child)
	if created || joined != ic {
		t.Fatalf("child should join the live context")
	}

	ic.Complete(root)
	_, next, created := establish(ctx, child)
	if !created || next == ic {
		t.Fatalf("a terminal context must not be joined")
	}
}
