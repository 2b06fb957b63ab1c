package kernel

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/protocol/routing"
	"github.com/rs/zerolog/log"
)

// CompositeKernel owns named child kernels and routes each command to itself
// or to one of them.
type CompositeKernel struct {
	*Kernel

	cmu               sync.RWMutex
	children          []Node
	byName            map[string]Node
	unsubscribe       map[string]func()
	defaultKernelName string
	defaultForCommand map[protocol.CommandType]string
}

func NewComposite(name string, opts ...Option) *CompositeKernel {
	c := &CompositeKernel{
		Kernel:            newKernel(name, resolve(opts)),
		byName:            make(map[string]Node),
		unsubscribe:       make(map[string]func()),
		defaultForCommand: make(map[protocol.CommandType]string),
	}
	c.updateInfo(func(info *protocol.KernelInfo) { info.IsComposite = true })
	c.handle = c.handleCommand
	c.RegisterCommandHandler(protocol.RequestKernelInfoType, c.handleRequestKernelInfo)
	return c
}

// Add registers child under its name and aliases. The child's URI becomes
// this kernel's URI joined with the child's name.
func (c *CompositeKernel) Add(child Node, aliases ...string) error {
	if child == nil {
		return fmt.Errorf("%w: nil kernel", ErrKernelNotFound)
	}
	kb := child.base()
	name := child.Name()

	c.cmu.Lock()
	if _, exists := c.byName[name]; exists {
		c.cmu.Unlock()
		return fmt.Errorf("%w: %s", ErrKernelExists, name)
	}
	for _, alias := range aliases {
		if _, exists := c.byName[alias]; exists || alias == name {
			c.cmu.Unlock()
			return fmt.Errorf("%w: %s", ErrAliasExists, alias)
		}
	}
	kb.mu.Lock()
	if kb.parent != nil {
		kb.mu.Unlock()
		c.cmu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyParented, name)
	}
	kb.parent = c
	for _, alias := range aliases {
		if !slices.Contains(kb.info.Aliases, alias) {
			kb.info.Aliases = append(kb.info.Aliases, alias)
		}
	}
	kb.mu.Unlock()

	c.children = append(c.children, child)
	c.byName[name] = child
	for _, alias := range aliases {
		c.byName[alias] = child
	}
	c.cmu.Unlock()

	setTreeURI(child, routing.Join(c.URI(), name))
	unsubscribe := child.SubscribeToKernelEvents(c.publishEvent)
	c.cmu.Lock()
	c.unsubscribe[name] = unsubscribe
	c.cmu.Unlock()

	log.Debug().
		Str("composite", c.name).
		Str("child", name).
		Str("uri", child.URI()).
		Strs("aliases", aliases).
		Msg("kernel.CompositeKernel.Add")
	c.announceChild(child)
	return nil
}

func (c *CompositeKernel) announceChild(child Node) {
	ev := &protocol.KernelInfoProduced{KernelInfo: child.KernelInfo()}
	if ic := c.rootKernel().ambient.Load(); ic != nil && !ic.IsTerminal() {
		ic.publishAs(c.Kernel, protocol.NewEventEnvelope(ev, ic.Command()))
		return
	}
	c.publishEvent(protocol.NewEventEnvelope(ev, nil))
}

// SetURI changes this kernel's URI and re-derives every descendant's URI.
func (c *CompositeKernel) SetURI(uri string) {
	setTreeURI(c, uri)
}

func setTreeURI(n Node, uri string) {
	n.base().setURI(uri)
	comp, ok := n.(*CompositeKernel)
	if !ok {
		return
	}
	for _, child := range comp.ChildKernels() {
		setTreeURI(child, routing.Join(comp.URI(), child.Name()))
	}
}

// ChildKernels returns the children in insertion order.
func (c *CompositeKernel) ChildKernels() []Node {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return slices.Clone(c.children)
}

func (c *CompositeKernel) DefaultKernelName() string {
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	return c.defaultKernelName
}

func (c *CompositeKernel) SetDefaultKernelName(name string) {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.defaultKernelName = name
}

// SetDefaultTargetKernelNameForCommand routes untargeted commands of type t
// to the named kernel. It takes precedence over the default kernel name.
func (c *CompositeKernel) SetDefaultTargetKernelNameForCommand(t protocol.CommandType, name string) {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.defaultForCommand[t] = name
}

// FindKernelByName matches this kernel's own name, or a child's name or alias.
func (c *CompositeKernel) FindKernelByName(name string) (Node, bool) {
	if name == c.name {
		return c, true
	}
	c.cmu.RLock()
	defer c.cmu.RUnlock()
	n, ok := c.byName[name]
	return n, ok
}

// FindKernelByURI matches this kernel's URI, or a child's URI or remote URI.
func (c *CompositeKernel) FindKernelByURI(uri string) (Node, bool) {
	uri = routing.NormalizeURI(uri)
	if uri == "" {
		return nil, false
	}
	if uri == c.URI() {
		return c, true
	}
	for _, child := range c.ChildKernels() {
		info := child.KernelInfo()
		if info.URI == uri || (info.RemoteURI != "" && routing.NormalizeURI(info.RemoteURI) == uri) {
			return child, true
		}
	}
	return nil, false
}

func (c *CompositeKernel) handleCommand(ctx context.Context, env *protocol.CommandEnvelope) error {
	ctx, ic, _ := establish(ctx, env)

	target, missing := c.handlingKernelFor(ctx, env)
	if target == nil {
		msg := "Kernel not found: " + missing
		return c.within(ctx, env, func(_ context.Context, ic *InvocationContext, env *protocol.CommandEnvelope) error {
			ic.Fail(msg)
			return &CommandFailedError{Command: env, Message: msg, Err: ErrKernelNotFound}
		})
	}
	if target.base() == c.Kernel {
		return c.Kernel.handleCommand(ctx, env)
	}

	kb := target.base()
	prev := ic.SetHandlingKernel(kb)
	defer ic.SetHandlingKernel(prev)

	uri := kb.URI()
	if env.RoutingSlip().Contains(uri, true) {
		return kb.handle(ctx, env)
	}
	mustStamp(env.RoutingSlip().StampArrived(uri))
	defer func() {
		mustStamp(env.RoutingSlip().Stamp(uri))
	}()
	return kb.handle(ctx, env)
}

// handlingKernelFor resolves the kernel that handles env, in order: a child
// whose URI or remote URI matches the destination, the kernel named by the
// target (or by the per-command and composite defaults when untargeted), the
// only child, the kernel already handling the invocation, and finally this
// composite itself. A nil Node comes with the name that could not be found.
func (c *CompositeKernel) handlingKernelFor(ctx context.Context, env *protocol.CommandEnvelope) (Node, string) {
	base := env.Command().Base()

	if base.DestinationURI != "" {
		if n, ok := c.FindKernelByURI(base.DestinationURI); ok {
			return n, ""
		}
	}

	target := base.TargetKernelName
	if target == "" {
		if _, own := c.ownHandler(env.CommandType()); own {
			return c, ""
		}
		c.cmu.RLock()
		target = c.defaultForCommand[env.CommandType()]
		if target == "" {
			target = c.defaultKernelName
		}
		c.cmu.RUnlock()
	}

	if target != "" {
		n, ok := c.FindKernelByName(target)
		if !ok {
			return nil, target
		}
		return n, ""
	}

	if children := c.ChildKernels(); len(children) == 1 {
		return children[0], ""
	}
	if ic := InvocationFrom(ctx); ic != nil {
		if n := c.nodeFor(ic.HandlingKernel()); n != nil {
			return n, ""
		}
	}
	return c, ""
}

func (c *CompositeKernel) ownHandler(t protocol.CommandType) (HandlerFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[t]
	return h, ok
}

func (c *CompositeKernel) nodeFor(k *Kernel) Node {
	if k == nil {
		return nil
	}
	for _, child := range c.ChildKernels() {
		if child.base() == k {
			return child
		}
	}
	return nil
}

// handleRequestKernelInfo publishes this composite's info and then asks each
// child that supports RequestKernelInfo for its own.
func (c *CompositeKernel) handleRequestKernelInfo(ctx context.Context, inv Invocation) error {
	inv.Publish(&protocol.KernelInfoProduced{KernelInfo: c.KernelInfo()})

	for _, child := range c.ChildKernels() {
		if !child.base().SupportsCommand(protocol.RequestKernelInfoType) {
			continue
		}
		cmd := &protocol.RequestKernelInfo{}
		cmd.TargetKernelName = child.Name()
		childEnv := protocol.NewCommandEnvelope(cmd)
		if err := childEnv.SetParent(inv.Command); err != nil {
			return err
		}
		mustStamp(childEnv.RoutingSlip().ContinueWith(inv.Command.RoutingSlip().ToArray()))
		if err := child.Send(ctx, childEnv); err != nil {
			return err
		}
	}
	return nil
}
