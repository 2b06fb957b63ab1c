package value

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/kernelroute/internal/kernel"
	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/testutil/testlog"
)

func collect(n kernel.Node) func() []*protocol.EventEnvelope {
	var mu sync.Mutex
	var events []*protocol.EventEnvelope
	n.SubscribeToKernelEvents(func(ev *protocol.EventEnvelope) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return func() []*protocol.EventEnvelope {
		mu.Lock()
		defer mu.Unlock()
		return append([]*protocol.EventEnvelope(nil), events...)
	}
}

func send(t *testing.T, n kernel.Node, cmd protocol.KernelCommand) error {
	t.Helper()
	return n.Send(context.Background(), protocol.NewCommandEnvelope(cmd))
}

func TestValueKernelStoreAndRequest(t *testing.T) {
	testlog.Start(t)
	k := New("")
	if k.Name() != DefaultName || k.KernelInfo().LanguageName != LanguageName {
		t.Fatalf("unexpected identity: %+v", k.KernelInfo())
	}
	events := collect(k)

	if err := send(t, k, &protocol.SendValue{Name: "b", FormattedValue: protocol.PlainText("2")}); err != nil {
		t.Fatalf("send b: %v", err)
	}
	if err := send(t, k, &protocol.SendValue{Name: "a", FormattedValue: protocol.PlainText("1")}); err != nil {
		t.Fatalf("send a: %v", err)
	}
	if err := send(t, k, &protocol.RequestValue{Name: "a"}); err != nil {
		t.Fatalf("request a: %v", err)
	}

	var produced *protocol.ValueProduced
	for _, ev := range events() {
		if v, ok := ev.Event().(*protocol.ValueProduced); ok {
			produced = v
		}
	}
	if produced == nil || produced.Name != "a" || produced.FormattedValue.Value != "1" {
		t.Fatalf("unexpected ValueProduced: %+v", produced)
	}
	if got := k.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestValueKernelMissingValueFails(t *testing.T) {
	testlog.Start(t)
	k := New("value")
	events := collect(k)

	err := send(t, k, &protocol.RequestValue{Name: "x"})
	if err == nil || err.Error() != "value not found: x" {
		t.Fatalf("unexpected error: %v", err)
	}
	var failed *kernel.CommandFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected CommandFailedError, got %T", err)
	}
	var sawFailure bool
	for _, ev := range events() {
		if f, ok := ev.Event().(*protocol.CommandFailed); ok && f.Message == "value not found: x" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("expected a CommandFailed event")
	}

	if err := send(t, k, &protocol.SendValue{}); err == nil {
		t.Fatalf("expected missing name to fail")
	}
}

func TestValueKernelValueInfosSorted(t *testing.T) {
	testlog.Start(t)
	k := New("value")
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := send(t, k, &protocol.SendValue{Name: name, FormattedValue: protocol.PlainText(name)}); err != nil {
			t.Fatalf("send %s: %v", name, err)
		}
	}
	events := collect(k)
	if err := send(t, k, &protocol.RequestValueInfos{}); err != nil {
		t.Fatalf("request infos: %v", err)
	}

	var infos []protocol.KernelValueInfo
	for _, ev := range events() {
		if v, ok := ev.Event().(*protocol.ValueInfosProduced); ok {
			infos = v.ValueInfos
		}
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(infos) != len(want) {
		t.Fatalf("unexpected infos: %+v", infos)
	}
	for i, name := range want {
		if infos[i].Name != name || infos[i].FormattedValue.Value != name {
			t.Fatalf("info %d = %+v, want %s", i, infos[i], name)
		}
	}
}

func TestValueKernelInCompositeTree(t *testing.T) {
	testlog.Start(t)
	root := kernel.NewComposite("root")
	k := New("value")
	if err := root.Add(k); err != nil {
		t.Fatalf("add: %v", err)
	}
	store := &protocol.SendValue{Name: "x", FormattedValue: protocol.PlainText("42")}
	store.TargetKernelName = "value"
	if err := send(t, root, store); err != nil {
		t.Fatalf("send through composite: %v", err)
	}
	if v, ok := k.Get("x"); !ok || v.Value != "42" {
		t.Fatalf("value not stored through composite routing: %+v %v", v, ok)
	}
	if k.URI() != "kernel://local/root/value" {
		t.Fatalf("unexpected child uri: %s", k.URI())
	}
}
