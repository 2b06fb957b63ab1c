// Package value provides a kernel that holds named formatted values for
// other kernels in the same tree to share.
package value

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/kernelroute/internal/kernel"
	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/rs/zerolog/log"
)

const (
	// LanguageName is the language reported in the kernel's info.
	LanguageName = "value"
	DefaultName  = "value"
)

var (
	ErrValueNotFound = errors.New("value not found")
	ErrMissingName   = errors.New("value: missing name")
)

// Kernel is an in-memory value store driven by SendValue, RequestValue and
// RequestValueInfos.
type Kernel struct {
	*kernel.Kernel

	mu     sync.RWMutex
	values map[string]protocol.FormattedValue
}

func New(name string, opts ...kernel.Option) *Kernel {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	opts = append([]kernel.Option{
		kernel.WithLanguage(LanguageName, ""),
		kernel.WithDescription("Stores named values shared between kernels"),
	}, opts...)
	k := &Kernel{
		Kernel: kernel.New(name, opts...),
		values: make(map[string]protocol.FormattedValue),
	}
	k.RegisterCommandHandler(protocol.SendValueType, k.handleSendValue)
	k.RegisterCommandHandler(protocol.RequestValueType, k.handleRequestValue)
	k.RegisterCommandHandler(protocol.RequestValueInfosType, k.handleRequestValueInfos)
	return k
}

// Get returns the stored value for name.
func (k *Kernel) Get(name string) (protocol.FormattedValue, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.values[name]
	return v, ok
}

// Names returns stored value names in sorted order.
func (k *Kernel) Names() []string {
	k.mu.RLock()
	names := make([]string, 0, len(k.values))
	for name := range k.values {
		names = append(names, name)
	}
	k.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (k *Kernel) handleSendValue(_ context.Context, inv kernel.Invocation) error {
	cmd := inv.Command.Command().(*protocol.SendValue)
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return ErrMissingName
	}
	k.mu.Lock()
	k.values[name] = cmd.FormattedValue
	k.mu.Unlock()
	log.Debug().Str("kernel", k.Name()).Str("name", name).Str("mime", cmd.FormattedValue.MimeType).Msg("value.Kernel.SendValue")
	return nil
}

func (k *Kernel) handleRequestValue(_ context.Context, inv kernel.Invocation) error {
	cmd := inv.Command.Command().(*protocol.RequestValue)
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return ErrMissingName
	}
	v, ok := k.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrValueNotFound, name)
	}
	inv.Publish(&protocol.ValueProduced{Name: name, FormattedValue: v})
	return nil
}

func (k *Kernel) handleRequestValueInfos(_ context.Context, inv kernel.Invocation) error {
	k.mu.RLock()
	infos := make([]protocol.KernelValueInfo, 0, len(k.values))
	for name, v := range k.values {
		infos = append(infos, protocol.KernelValueInfo{
			Name:               name,
			TypeName:           v.MimeType,
			FormattedValue:     v,
			PreferredMimeTypes: []string{v.MimeType},
		})
	}
	k.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	inv.Publish(&protocol.ValueInfosProduced{ValueInfos: infos})
	return nil
}
