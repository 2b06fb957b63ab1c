package kernel

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kernelroute/internal/connect"
	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/testutil/testlog"
)

// serveRemote runs every command that arrives on end against remote and
// sends remote's events back.
func serveRemote(t *testing.T, end *connect.PipeEnd, remote *CompositeKernel) {
	t.Helper()
	remote.SubscribeToKernelEvents(func(ev *protocol.EventEnvelope) {
		_ = end.Send(context.Background(), ev)
	})
	end.Subscribe(func(env protocol.Envelope) {
		if cmd, ok := env.(*protocol.CommandEnvelope); ok {
			go func() { _ = remote.Send(context.Background(), cmd) }()
		}
	})
	end.Start()
	t.Cleanup(func() { _ = end.Close() })
}

func TestProxyRoundTripDelegatesRemoteEvents(t *testing.T) {
	testlog.Start(t)
	local, remoteEnd := connect.NewPipe()

	remote := NewComposite("remote", WithURI("kernel://remote/"))
	py := New("py")
	evaluator(py, "2")
	if err := remote.Add(py); err != nil {
		t.Fatalf("add remote py: %v", err)
	}
	serveRemote(t, remoteEnd, remote)

	root := NewComposite("root")
	proxy := NewProxy("pyremote", local, local, "kernel://remote/py", WithReplyTimeout(5*time.Second))
	defer proxy.Close()
	if err := root.Add(proxy); err != nil {
		t.Fatalf("add proxy: %v", err)
	}
	local.Start()
	rec := record(root)

	env := submitCode("1+1", "pyremote")
	if err := root.Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}

	types := rec.types()
	if len(types) != 2 || types[0] != protocol.ReturnValueProducedType || types[1] != protocol.CommandSucceededType {
		t.Fatalf("unexpected events: %v", types)
	}
	wantEventSlip := []string{
		"kernel://remote/py",
		"kernel://remote/",
		"kernel://local/root/pyremote",
		"kernel://local/root",
	}
	if got := rec.slipOf(protocol.ReturnValueProducedType); !equalStrings(got, wantEventSlip) {
		t.Fatalf("unexpected event slip: %v", got)
	}

	slip := env.RoutingSlip().ToArray()
	if !slices.Contains(slip, "kernel://remote/py?tag=arrived") {
		t.Fatalf("remote progress not folded into local slip: %v", slip)
	}
	if slip[0] != "kernel://local/root?tag=arrived" || slip[len(slip)-1] != "kernel://local/root" {
		t.Fatalf("unexpected local slip bounds: %v", slip)
	}
	if env.Command().Base().DestinationURI != "kernel://remote/py" || env.Command().Base().OriginURI != "kernel://local/root/pyremote" {
		t.Fatalf("proxy did not address the command: %+v", env.Command().Base())
	}
	if len(proxy.InFlight()) != 0 {
		t.Fatalf("round trip should be cleared: %+v", proxy.InFlight())
	}
}

func TestProxyRemoteFailureFailsLocalCommand(t *testing.T) {
	testlog.Start(t)
	local, remoteEnd := connect.NewPipe()

	remote := NewComposite("remote", WithURI("kernel://remote/"))
	py := New("py")
	py.RegisterCommandHandler(protocol.SubmitCodeType, func(context.Context, Invocation) error {
		return errors.New("SyntaxError: invalid syntax")
	})
	if err := remote.Add(py); err != nil {
		t.Fatalf("add remote py: %v", err)
	}
	serveRemote(t, remoteEnd, remote)

	proxy := NewProxy("pyremote", local, local, "kernel://remote/py", WithReplyTimeout(5*time.Second))
	defer proxy.Close()
	local.Start()
	rec := record(proxy)

	err := proxy.Send(context.Background(), submitCode("1+", ""))
	if err == nil || err.Error() != "SyntaxError: invalid syntax" {
		t.Fatalf("expected remote message, got %v", err)
	}
	var remoteErr *RemoteFailureError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteFailureError in chain: %v", err)
	}
	if terminalCount(rec.types()) != 1 {
		t.Fatalf("expected one local terminal event: %v", rec.types())
	}
}

func TestProxyMergesUnsolicitedKernelInfo(t *testing.T) {
	testlog.Start(t)
	local, remoteEnd := connect.NewPipe()
	remoteEnd.Start()
	defer local.Close()

	proxy := NewProxy("pyremote", local, local, "k://remote/py")
	defer proxy.Close()
	proxy.updateInfo(func(info *protocol.KernelInfo) {
		info.AddSupportedCommand(protocol.RequestValueType)
	})
	local.Start()
	rec := record(proxy)

	announced := protocol.KernelInfo{
		LocalName:    "py",
		URI:          "k://remote/py",
		LanguageName: "python",
		SupportedKernelCommands: []protocol.KernelCommandInfo{
			{Name: string(protocol.SubmitCodeType)},
		},
	}
	ev := protocol.NewEventEnvelope(&protocol.KernelInfoProduced{KernelInfo: announced}, nil)
	if err := remoteEnd.Send(context.Background(), ev); err != nil {
		t.Fatalf("send announcement: %v", err)
	}

	got := rec.waitForN(t, protocol.KernelInfoProducedType, 2)
	raw := got[0].Event().(*protocol.KernelInfoProduced).KernelInfo
	if raw.URI != "k://remote/py" || raw.IsProxy {
		t.Fatalf("remote announcement should be republished as sent: %+v", raw)
	}
	info := got[1].Event().(*protocol.KernelInfoProduced).KernelInfo
	if info.LanguageName != "python" || !info.IsProxy || info.RemoteURI != "k://remote/py" {
		t.Fatalf("unexpected merged info: %+v", info)
	}
	for _, want := range []protocol.CommandType{protocol.SubmitCodeType, protocol.RequestValueType, protocol.RequestKernelInfoType} {
		if !info.SupportsCommand(want) {
			t.Fatalf("merged info lost %s: %+v", want, info.SupportedKernelCommands)
		}
	}
	if info.URI != proxy.URI() {
		t.Fatalf("proxy kept its own uri, got %s", info.URI)
	}
}

func TestProxyIgnoresEventsFromSiblingOrigin(t *testing.T) {
	testlog.Start(t)
	local, remoteEnd := connect.NewPipe()
	defer local.Close()

	a := NewProxy("a", local, local, "kernel://remote/py", WithReplyTimeout(5*time.Second))
	defer a.Close()
	b := NewProxy("b", local, local, "kernel://remote/py", WithReplyTimeout(5*time.Second))
	defer b.Close()

	remoteEnd.Subscribe(func(env protocol.Envelope) {
		cmd, ok := env.(*protocol.CommandEnvelope)
		if !ok {
			return
		}
		child := protocol.NewCommandEnvelope(&protocol.RequestValue{Name: "x"})
		if err := child.SetParent(cmd); err != nil {
			t.Errorf("set parent: %v", err)
			return
		}
		child.Command().Base().OriginURI = b.URI()
		display := func(text string) protocol.KernelEvent {
			return &protocol.DisplayedValueProduced{DisplayEvent: protocol.DisplayEvent{
				FormattedValues: []protocol.FormattedValue{protocol.PlainText(text)},
			}}
		}
		_ = remoteEnd.Send(context.Background(), protocol.NewEventEnvelope(display("sibling"), child))
		_ = remoteEnd.Send(context.Background(), protocol.NewEventEnvelope(display("own"), cmd))
		_ = remoteEnd.Send(context.Background(), protocol.NewEventEnvelope(&protocol.CommandSucceeded{}, cmd))
	})
	remoteEnd.Start()
	local.Start()
	recA, recB := record(a), record(b)

	env := submitCode("1", "")
	if err := a.Send(context.Background(), env); err != nil {
		t.Fatalf("send: %v", err)
	}

	shown := recA.ofType(protocol.DisplayedValueProducedType)
	if len(shown) != 1 {
		t.Fatalf("expected only the event caused by a's own command, got %v", recA.types())
	}
	if shown[0].Command().Token() != env.Token() {
		t.Fatalf("event attributed to %s, want %s", shown[0].Command().Token(), env.Token())
	}
	if got := recB.ofType(protocol.DisplayedValueProducedType); len(got) != 0 {
		t.Fatalf("sibling should not republish: %v", recB.types())
	}
}

func TestProxyCorrelatesInterleavedReplies(t *testing.T) {
	testlog.Start(t)
	local, remoteEnd := connect.NewPipe()
	defer local.Close()

	var (
		mu       sync.Mutex
		received = map[protocol.CommandType]*protocol.CommandEnvelope{}
	)
	remoteEnd.Subscribe(func(env protocol.Envelope) {
		cmd, ok := env.(*protocol.CommandEnvelope)
		if !ok {
			return
		}
		mu.Lock()
		received[cmd.CommandType()] = cmd
		submit, input := received[protocol.SubmitCodeType], received[protocol.RequestInputType]
		mu.Unlock()
		if submit == nil || input == nil {
			return
		}
		unrelated := protocol.NewCommandEnvelope(&protocol.RequestValue{Name: "z"})
		_ = remoteEnd.Send(context.Background(), protocol.NewEventEnvelope(&protocol.ValueProduced{
			Name:           "z",
			FormattedValue: protocol.PlainText("3"),
		}, unrelated))
		_ = remoteEnd.Send(context.Background(), protocol.NewEventEnvelope(&protocol.CommandSucceeded{}, input))
		_ = remoteEnd.Send(context.Background(), protocol.NewEventEnvelope(&protocol.CommandFailed{Message: "boom"}, submit))
	})
	remoteEnd.Start()

	proxy := NewProxy("pyremote", local, local, "kernel://remote/py", WithReplyTimeout(5*time.Second))
	defer proxy.Close()
	proxy.Scheduler().SetMustTrampoline(func(env *protocol.CommandEnvelope) bool {
		return env.CommandType() == protocol.RequestInputType
	})
	local.Start()
	rec := record(proxy)

	submitErr := make(chan error, 1)
	go func() { submitErr <- proxy.Send(context.Background(), submitCode("input()", "")) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(proxy.InFlight()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("submit never reached the outbox")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := proxy.Send(context.Background(), protocol.NewCommandEnvelope(&protocol.RequestInput{Prompt: "name?"})); err != nil {
		t.Fatalf("input should succeed on its own reply: %v", err)
	}

	select {
	case err := <-submitErr:
		var remoteErr *RemoteFailureError
		if err == nil || err.Error() != "boom" || !errors.As(err, &remoteErr) {
			t.Fatalf("expected submit to fail with boom, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("submit never completed")
	}
	if got := rec.ofType(protocol.ValueProducedType); len(got) != 0 {
		t.Fatalf("event for an unknown command leaked: %v", rec.types())
	}
	if len(proxy.InFlight()) != 0 {
		t.Fatalf("both round trips should be cleared: %+v", proxy.InFlight())
	}
}

func TestProxyKeepsCallerAddresses(t *testing.T) {
	testlog.Start(t)
	local, remoteEnd := connect.NewPipe()
	defer local.Close()

	seen := make(chan protocol.CommandBase, 2)
	remoteEnd.Subscribe(func(env protocol.Envelope) {
		if cmd, ok := env.(*protocol.CommandEnvelope); ok {
			seen <- *cmd.Command().Base()
			_ = remoteEnd.Send(context.Background(), protocol.NewEventEnvelope(&protocol.CommandSucceeded{}, cmd))
		}
	})
	remoteEnd.Start()

	proxy := NewProxy("pyremote", local, local, "kernel://remote/py", WithReplyTimeout(5*time.Second))
	defer proxy.Close()
	local.Start()

	addressed := submitCode("1", "")
	addressed.Command().Base().OriginURI = "kernel://notebook/"
	addressed.Command().Base().DestinationURI = "kernel://remote/r"
	if err := proxy.Send(context.Background(), addressed); err != nil {
		t.Fatalf("send addressed: %v", err)
	}
	got := <-seen
	if got.OriginURI != "kernel://notebook/" || got.DestinationURI != "kernel://remote/r" {
		t.Fatalf("caller addresses overwritten: origin=%s destination=%s", got.OriginURI, got.DestinationURI)
	}

	if err := proxy.Send(context.Background(), submitCode("2", "")); err != nil {
		t.Fatalf("send bare: %v", err)
	}
	got = <-seen
	if got.OriginURI != proxy.URI() || got.DestinationURI != "kernel://remote/py" {
		t.Fatalf("empty addresses not filled: origin=%s destination=%s", got.OriginURI, got.DestinationURI)
	}
}

func TestProxyTimesOutWithoutReply(t *testing.T) {
	testlog.Start(t)
	local, remoteEnd := connect.NewPipe()
	remoteEnd.Start()
	defer local.Close()

	proxy := NewProxy("pyremote", local, local, "kernel://remote/py", WithReplyTimeout(50*time.Millisecond))
	defer proxy.Close()
	local.Start()

	err := proxy.Send(context.Background(), submitCode("while True: pass", ""))
	if !errors.Is(err, ErrProxyTimeout) {
		t.Fatalf("expected ErrProxyTimeout, got %v", err)
	}
	if len(proxy.InFlight()) != 0 {
		t.Fatalf("timed out command should leave the outbox")
	}
}

func TestProxySendFailure(t *testing.T) {
	testlog.Start(t)
	local, _ := connect.NewPipe()
	_ = local.Close()

	proxy := NewProxy("pyremote", local, local, "kernel://remote/py")
	defer proxy.Close()
	err := proxy.Send(context.Background(), submitCode("1", ""))
	if !errors.Is(err, ErrProxySend) || !errors.Is(err, connect.ErrClosed) {
		t.Fatalf("expected wrapped send failure, got %v", err)
	}
}

func TestProxyRequestKernelInfoShortCircuitsLoops(t *testing.T) {
	testlog.Start(t)
	local, remoteEnd := connect.NewPipe()
	remoteEnd.Start()
	defer local.Close()

	proxy := NewProxy("pyremote", local, local, "kernel://remote/py", WithReplyTimeout(time.Second))
	defer proxy.Close()
	local.Start()

	env := protocol.NewCommandEnvelope(&protocol.RequestKernelInfo{})
	if err := env.RoutingSlip().StampArrived("kernel://remote/py"); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if err := proxy.Send(context.Background(), env); err != nil {
		t.Fatalf("request that already visited the remote should not be forwarded: %v", err)
	}
}
