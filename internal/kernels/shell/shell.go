// Package shell provides a kernel that runs submitted code with a local
// POSIX shell.
package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/kernelroute/internal/kernel"
	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/tools"
	"github.com/rs/zerolog/log"
)

const (
	LanguageName = "shell"
	DefaultName  = "shell"
	DefaultShell = "/bin/sh"
)

var ErrNonZeroExit = errors.New("shell: non-zero exit")

// Kernel handles SubmitCode by passing the code to `shell -c`.
type Kernel struct {
	*kernel.Kernel

	shell  string
	runner tools.CommandRunner
}

// Option configures the process side of a shell kernel.
type Option func(*Kernel)

func WithShell(path string) Option {
	return func(k *Kernel) {
		if strings.TrimSpace(path) != "" {
			k.shell = path
		}
	}
}

func WithRunner(r tools.CommandRunner) Option {
	return func(k *Kernel) {
		if r != nil {
			k.runner = r
		}
	}
}

func New(name string, opts []Option, kopts ...kernel.Option) *Kernel {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	kopts = append([]kernel.Option{
		kernel.WithLanguage(LanguageName, ""),
		kernel.WithDescription("Runs code with the host shell"),
	}, kopts...)
	k := &Kernel{
		Kernel: kernel.New(name, kopts...),
		shell:  DefaultShell,
		runner: tools.ExecRunner{},
	}
	for _, opt := range opts {
		opt(k)
	}
	k.RegisterCommandHandler(protocol.SubmitCodeType, k.handleSubmitCode)
	return k
}

func (k *Kernel) handleSubmitCode(ctx context.Context, inv kernel.Invocation) error {
	cmd := inv.Command.Command().(*protocol.SubmitCode)
	if strings.TrimSpace(cmd.Code) == "" {
		return nil
	}
	res, err := k.runner.Run(ctx, k.shell, "-c", cmd.Code)
	if len(res.Stdout) > 0 {
		inv.Publish(&protocol.StandardOutputValueProduced{DisplayEvent: protocol.DisplayEvent{
			FormattedValues: []protocol.FormattedValue{protocol.PlainText(string(res.Stdout))},
		}})
	}
	if len(res.Stderr) > 0 {
		inv.Publish(&protocol.StandardErrorValueProduced{DisplayEvent: protocol.DisplayEvent{
			FormattedValues: []protocol.FormattedValue{protocol.PlainText(string(res.Stderr))},
		}})
	}
	log.Debug().
		Str("kernel", k.Name()).
		Int32("exit_code", res.ExitCode).
		Int("stdout_bytes", len(res.Stdout)).
		Int("stderr_bytes", len(res.Stderr)).
		Msg("shell.Kernel.SubmitCode")
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: exit code %d", ErrNonZeroExit, res.ExitCode)
	}
	return err
}
