package shell

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/kernelroute/internal/kernel"
	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/testutil/testlog"
	"github.com/danmuck/kernelroute/internal/tools"
)

type fakeRunner struct {
	res  tools.Result
	err  error
	args []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (tools.Result, error) {
	f.args = append([]string{name}, args...)
	return f.res, f.err
}

func collect(k *Kernel) *[]*protocol.EventEnvelope {
	var events []*protocol.EventEnvelope
	k.SubscribeToKernelEvents(func(ev *protocol.EventEnvelope) { events = append(events, ev) })
	return &events
}

func submit(code string) *protocol.CommandEnvelope {
	return protocol.NewCommandEnvelope(&protocol.SubmitCode{Code: code})
}

func TestShellPublishesOutputStreams(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{res: tools.Result{Stdout: []byte("hi\n"), Stderr: []byte("warn\n")}}
	k := New("sh", []Option{WithRunner(runner), WithShell("/bin/bash")})
	events := collect(k)

	if err := k.Send(context.Background(), submit("echo hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(runner.args) != 3 || runner.args[0] != "/bin/bash" || runner.args[2] != "echo hi" {
		t.Fatalf("unexpected invocation: %v", runner.args)
	}
	var types []protocol.EventType
	for _, ev := range *events {
		types = append(types, ev.EventType())
	}
	want := []protocol.EventType{
		protocol.StandardOutputValueProducedType,
		protocol.StandardErrorValueProducedType,
		protocol.CommandSucceededType,
	}
	if len(types) != len(want) {
		t.Fatalf("unexpected events: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected events: %v", types)
		}
	}
	out := (*events)[0].Event().(*protocol.StandardOutputValueProduced)
	if out.FormattedValues[0].Value != "hi\n" {
		t.Fatalf("unexpected stdout: %q", out.FormattedValues[0].Value)
	}
}

func TestShellNonZeroExitFails(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{res: tools.Result{ExitCode: 2}, err: errors.New("exit status 2")}
	k := New("", []Option{WithRunner(runner)})
	if k.Name() != DefaultName {
		t.Fatalf("empty name should default, got %q", k.Name())
	}

	err := k.Send(context.Background(), submit("false"))
	if !errors.Is(err, ErrNonZeroExit) {
		t.Fatalf("expected ErrNonZeroExit, got %v", err)
	}
	var failed *kernel.CommandFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected CommandFailedError, got %v", err)
	}
}

func TestShellRunsRealProcess(t *testing.T) {
	testlog.Start(t)
	k := New("sh", nil)
	events := collect(k)
	if err := k.Send(context.Background(), submit("printf 'a b'")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := (*events)[0].Event().(*protocol.StandardOutputValueProduced).FormattedValues[0].Value
	if got != "a b" {
		t.Fatalf("unexpected stdout: %q", got)
	}
}
