package kernel

import (
	"context"
	"sync"

	"github.com/danmuck/kernelroute/internal/protocol"
)

// InvocationContext is shared by a root command and every child command
// spawned while handling it. It filters events by lineage and emits exactly
// one terminal event for the root.
type InvocationContext struct {
	// deliver serializes stamping and delivery so subscribers see events in
	// publish order.
	deliver sync.Mutex

	mu       sync.Mutex
	root     *protocol.CommandEnvelope
	children []*protocol.CommandEnvelope
	handling *Kernel
	terminal bool
	failed   bool
	message  string
	disposed bool
	subs     []invocationSub
	nextSub  int
	onDone   []func()
}

type invocationSub struct {
	id int
	fn EventHandler
}

func newInvocationContext(root *protocol.CommandEnvelope) *InvocationContext {
	return &InvocationContext{root: root}
}

type invocationKey struct{}

// WithInvocation returns ctx carrying ic.
func WithInvocation(ctx context.Context, ic *InvocationContext) context.Context {
	return context.WithValue(ctx, invocationKey{}, ic)
}

// InvocationFrom returns the invocation context carried by ctx, if any.
func InvocationFrom(ctx context.Context) *InvocationContext {
	ic, _ := ctx.Value(invocationKey{}).(*InvocationContext)
	return ic
}

// establish joins the live context carried by ctx, registering env as a
// child when it is not the root, or starts a new context rooted at env.
func establish(ctx context.Context, env *protocol.CommandEnvelope) (context.Context, *InvocationContext, bool) {
	if ic := InvocationFrom(ctx); ic != nil && !ic.IsTerminal() {
		if !protocol.SameCommand(ic.Command(), env) {
			ic.addChild(env)
		}
		return ctx, ic, false
	}
	ic := newInvocationContext(env)
	return WithInvocation(ctx, ic), ic, true
}

// Command returns the root command.
func (c *InvocationContext) Command() *protocol.CommandEnvelope {
	return c.root
}

func (c *InvocationContext) IsTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Failure reports whether the context failed and with which message.
func (c *InvocationContext) Failure() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message, c.failed
}

func (c *InvocationContext) HandlingKernel() *Kernel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handling
}

// SetHandlingKernel records k as the handling kernel and returns the previous
// one for the caller to restore.
func (c *InvocationContext) SetHandlingKernel(k *Kernel) *Kernel {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.handling
	c.handling = k
	return prev
}

// Subscribe registers fn for events accepted by this context. Subscriptions
// end when the context reaches a terminal state.
func (c *InvocationContext) Subscribe(fn EventHandler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, invocationSub{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps ev with the handling kernel and delivers it when its command
// belongs to this context's lineage. It is a no-op once terminal.
func (c *InvocationContext) Publish(ev *protocol.EventEnvelope) {
	c.publishAs(c.HandlingKernel(), ev)
}

func (c *InvocationContext) publishAs(k *Kernel, ev *protocol.EventEnvelope) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	ev.AttributeTo(c.root)
	if !c.acceptsLocked(ev.Command()) {
		c.mu.Unlock()
		return
	}
	subs := c.snapshotLocked()
	c.mu.Unlock()

	if k != nil {
		mustStamp(ev.RoutingSlip().Stamp(k.URI()))
	}
	for _, s := range subs {
		s.fn(ev)
	}
}

// Complete ends the context with CommandSucceeded when env is the root.
// For a child it only drops the child from tracking.
func (c *InvocationContext) Complete(env *protocol.CommandEnvelope) {
	if protocol.SameCommand(env, c.root) {
		c.terminate(&protocol.CommandSucceeded{}, "", false)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, child := range c.children {
		if protocol.SameCommand(child, env) {
			c.children = append(c.children[:i:i], c.children[i+1:]...)
			return
		}
	}
}

// Fail ends the whole context with CommandFailed attributed to the root,
// whichever command in the lineage failed.
func (c *InvocationContext) Fail(message string) {
	c.terminate(&protocol.CommandFailed{Message: message}, message, true)
}

// Dispose completes the root if still open and runs release hooks once.
func (c *InvocationContext) Dispose() {
	c.Complete(c.root)
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	hooks := c.onDone
	c.onDone = nil
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *InvocationContext) onDispose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDone = append(c.onDone, fn)
}

func (c *InvocationContext) terminate(ev protocol.KernelEvent, message string, failed bool) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	c.terminal = true
	c.failed = failed
	c.message = message
	subs := c.snapshotLocked()
	c.subs = nil
	k := c.handling
	c.mu.Unlock()

	env := protocol.NewEventEnvelope(ev, c.root)
	if k != nil {
		mustStamp(env.RoutingSlip().Stamp(k.URI()))
	}
	for _, s := range subs {
		s.fn(env)
	}
}

func (c *InvocationContext) addChild(env *protocol.CommandEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, child := range c.children {
		if protocol.SameCommand(child, env) {
			return
		}
	}
	c.children = append(c.children, env)
}

func (c *InvocationContext) acceptsLocked(cmd *protocol.CommandEnvelope) bool {
	if cmd == nil || protocol.SameCommand(cmd, c.root) {
		return true
	}
	for _, child := range c.children {
		if protocol.SameCommand(child, cmd) {
			return true
		}
	}
	return cmd.IsSelfOrDescendantOf(c.root) || cmd.HasSameRootCommandAs(c.root)
}

func (c *InvocationContext) snapshotLocked() []invocationSub {
	out := make([]invocationSub, len(c.subs))
	copy(out, c.subs)
	return out
}
