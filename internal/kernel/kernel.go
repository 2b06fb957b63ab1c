package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/danmuck/kernelroute/internal/protocol/routing"
	"github.com/rs/zerolog/log"
)

// EventHandler receives events from a kernel's stream.
type EventHandler func(ev *protocol.EventEnvelope)

// HandlerFunc handles one command. Returning an error fails the command's
// invocation context.
type HandlerFunc func(ctx context.Context, inv Invocation) error

// Invocation is what a handler sees of the command it is handling.
type Invocation struct {
	Command *protocol.CommandEnvelope
	Context *InvocationContext
}

// Publish attributes ev to the handled command and publishes it through the
// invocation context.
func (inv Invocation) Publish(ev protocol.KernelEvent) {
	inv.Context.Publish(protocol.NewEventEnvelope(ev, inv.Command))
}

// Node is any kernel that can live in a composite tree.
type Node interface {
	Name() string
	URI() string
	KernelInfo() protocol.KernelInfo
	Send(ctx context.Context, env *protocol.CommandEnvelope) error
	SubscribeToKernelEvents(fn EventHandler) (unsubscribe func())
	base() *Kernel
}

type Option func(*settings)

type settings struct {
	uri             string
	languageName    string
	languageVersion string
	displayName     string
	description     string
	metrics         Metrics
	replyTimeout    time.Duration
}

func WithURI(uri string) Option {
	return func(s *settings) { s.uri = uri }
}

func WithLanguage(name, version string) Option {
	return func(s *settings) {
		s.languageName = name
		s.languageVersion = version
	}
}

func WithDisplayName(name string) Option {
	return func(s *settings) { s.displayName = name }
}

func WithDescription(text string) Option {
	return func(s *settings) { s.description = text }
}

func WithMetrics(m Metrics) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithReplyTimeout bounds how long a proxy waits for a terminal reply. Zero
// waits until the caller's context ends.
func WithReplyTimeout(d time.Duration) Option {
	return func(s *settings) { s.replyTimeout = d }
}

// DefaultURI is the URI a kernel gets when none is configured.
func DefaultURI(name string) string {
	return "kernel://local/" + name
}

// Kernel dispatches commands to registered handlers and publishes the
// resulting events on its stream.
type Kernel struct {
	name    string
	metrics Metrics

	mu        sync.RWMutex
	info      protocol.KernelInfo
	handlers  map[protocol.CommandType]HandlerFunc
	forward   HandlerFunc
	parent    *CompositeKernel
	scheduler *Scheduler[*protocol.CommandEnvelope]

	events  eventStream
	ambient atomic.Pointer[InvocationContext]

	// handle is replaced by composite kernels to add child resolution.
	handle func(ctx context.Context, env *protocol.CommandEnvelope) error
}

func New(name string, opts ...Option) *Kernel {
	return newKernel(name, resolve(opts))
}

func resolve(opts []Option) settings {
	cfg := settings{metrics: nopMetrics{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newKernel(name string, cfg settings) *Kernel {
	if cfg.uri == "" {
		cfg.uri = DefaultURI(name)
	}
	if cfg.displayName == "" {
		cfg.displayName = name
	}
	k := &Kernel{
		name:    name,
		metrics: cfg.metrics,
		info: protocol.KernelInfo{
			LocalName:               name,
			Aliases:                 []string{},
			URI:                     routing.NormalizeURI(cfg.uri),
			LanguageName:            cfg.languageName,
			LanguageVersion:         cfg.languageVersion,
			DisplayName:             cfg.displayName,
			Description:             cfg.description,
			SupportedKernelCommands: []protocol.KernelCommandInfo{},
			SupportedDirectives:     []protocol.KernelDirectiveInfo{},
		},
		handlers: make(map[protocol.CommandType]HandlerFunc),
	}
	k.handle = k.handleCommand
	k.RegisterCommandHandler(protocol.RequestKernelInfoType, k.handleRequestKernelInfo)
	return k
}

func (k *Kernel) base() *Kernel { return k }

func (k *Kernel) Name() string { return k.name }

func (k *Kernel) URI() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.info.URI
}

// KernelInfo returns a copy of the kernel's current info.
func (k *Kernel) KernelInfo() protocol.KernelInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.info.Clone()
}

// Parent returns the owning composite, or nil for a root kernel.
func (k *Kernel) Parent() *CompositeKernel {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.parent
}

func (k *Kernel) setURI(uri string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.info.URI = routing.NormalizeURI(uri)
}

func (k *Kernel) updateInfo(fn func(*protocol.KernelInfo)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fn(&k.info)
}

// SupportsCommand reports whether a handler is registered for t.
func (k *Kernel) SupportsCommand(t protocol.CommandType) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.forward != nil {
		return true
	}
	_, ok := k.handlers[t]
	return ok
}

// RegisterCommandHandler installs h for t, replacing any earlier handler.
// A newly supported type is announced with KernelInfoProduced.
func (k *Kernel) RegisterCommandHandler(t protocol.CommandType, h HandlerFunc) {
	k.mu.Lock()
	k.handlers[t] = h
	added := k.info.AddSupportedCommand(t)
	info := k.info.Clone()
	k.mu.Unlock()

	if added {
		k.announce(info)
	}
}

// announce publishes KernelInfoProduced for info through the ambient
// invocation context, or broadcasts it on this kernel's stream when no
// command is running.
func (k *Kernel) announce(info protocol.KernelInfo) {
	ev := &protocol.KernelInfoProduced{KernelInfo: info}
	if ic := k.rootKernel().ambient.Load(); ic != nil && !ic.IsTerminal() {
		ic.Publish(protocol.NewEventEnvelope(ev, ic.Command()))
		return
	}
	k.publishEvent(protocol.NewEventEnvelope(ev, nil))
}

// SubscribeToKernelEvents registers fn for every event this kernel publishes.
func (k *Kernel) SubscribeToKernelEvents(fn EventHandler) func() {
	return k.events.subscribe(fn)
}

// Scheduler returns the scheduler shared by the kernel tree.
func (k *Kernel) Scheduler() *Scheduler[*protocol.CommandEnvelope] {
	root := k.rootKernel()
	root.mu.Lock()
	defer root.mu.Unlock()
	if root.scheduler == nil {
		root.scheduler = NewScheduler[*protocol.CommandEnvelope]()
	}
	return root.scheduler
}

func (k *Kernel) rootKernel() *Kernel {
	cur := k
	for {
		p := cur.Parent()
		if p == nil {
			return cur
		}
		cur = p.Kernel
	}
}

// Send runs env on this kernel through the tree's scheduler. Commands sent
// from inside a running handler join that handler's invocation context and
// run inline. For a root command Send returns a *CommandFailedError when the
// command ends in CommandFailed.
func (k *Kernel) Send(ctx context.Context, env *protocol.CommandEnvelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil command", protocol.ErrInvalidEnvelope)
	}
	if ic := InvocationFrom(ctx); ic != nil && !ic.IsTerminal() &&
		!protocol.SameCommand(ic.Command(), env) && env.Parent() == nil {
		if err := env.SetParent(ic.Command()); err != nil {
			return err
		}
	}

	ctx, ic, created := establish(ctx, env)
	root := k.rootKernel()
	start := time.Now()

	err := k.Scheduler().RunAsync(ctx, env, func(ctx context.Context, env *protocol.CommandEnvelope) error {
		if created {
			root.ambient.Store(ic)
			defer root.ambient.CompareAndSwap(ic, nil)
		}
		return k.dispatch(ctx, ic, env)
	})

	if !created {
		return err
	}
	outcome := OutcomeSucceeded
	if msg, failed := ic.Failure(); failed {
		outcome = OutcomeFailed
		err = &CommandFailedError{Command: env, Message: msg, Err: err}
	} else if err != nil {
		outcome = OutcomeCanceled
	}
	k.metrics.ObserveCommand(k.name, string(env.CommandType()), outcome, time.Since(start))
	return err
}

// dispatch stamps env as arrived at k, hands it to k's handle function and
// stamps departure whatever the outcome.
func (k *Kernel) dispatch(ctx context.Context, ic *InvocationContext, env *protocol.CommandEnvelope) error {
	uri := k.URI()
	if env.RoutingSlip().Contains(uri, true) {
		log.Warn().
			Str("kernel", k.name).
			Str("command", env.String()).
			Str("slip", env.RoutingSlip().String()).
			Msg("kernel.Kernel.Send command already routed through kernel")
		return k.handle(ctx, env)
	}
	mustStamp(env.RoutingSlip().StampArrived(uri))
	defer func() {
		mustStamp(env.RoutingSlip().Stamp(uri))
	}()
	return k.handle(ctx, env)
}

// handleCommand runs the registered handler for env inside its invocation
// context.
func (k *Kernel) handleCommand(ctx context.Context, env *protocol.CommandEnvelope) error {
	return k.within(ctx, env, k.invoke)
}

// within runs fn with k as the handling kernel. The kernel that handles a
// root command relays the context's events onto its own stream and completes
// the context afterwards.
func (k *Kernel) within(ctx context.Context, env *protocol.CommandEnvelope, fn func(context.Context, *InvocationContext, *protocol.CommandEnvelope) error) error {
	ctx, ic, _ := establish(ctx, env)
	isRoot := protocol.SameCommand(ic.Command(), env)

	prev := ic.SetHandlingKernel(k)
	if isRoot {
		unsubscribe := ic.Subscribe(k.publishEvent)
		defer unsubscribe()
	}

	err := fn(ctx, ic, env)
	if isRoot {
		ic.Dispose()
	}
	ic.SetHandlingKernel(prev)
	return err
}

func (k *Kernel) invoke(ctx context.Context, ic *InvocationContext, env *protocol.CommandEnvelope) error {
	h := k.handlerFor(env.CommandType())
	if h == nil {
		msg := fmt.Sprintf("no handler for command type %s", env.CommandType())
		ic.Fail(msg)
		return &CommandFailedError{Command: env, Message: msg, Err: ErrNoHandler}
	}

	if err := k.run(ctx, h, Invocation{Command: env, Context: ic}); err != nil {
		log.Debug().
			Str("kernel", k.name).
			Str("command", env.String()).
			Err(err).
			Msg("kernel.Kernel.handleCommand handler failed")
		ic.Fail(err.Error())
		return err
	}
	ic.Complete(env)
	return nil
}

// run calls h, turning a handler panic into an error. Routing slip
// violations keep panicking.
func (k *Kernel) run(ctx context.Context, h HandlerFunc, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if isSlipViolation(r) {
				panic(r)
			}
			err = fmt.Errorf("kernel %s: handler panic: %v", k.name, r)
		}
	}()
	return h(ctx, inv)
}

func (k *Kernel) handlerFor(t protocol.CommandType) HandlerFunc {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if h, ok := k.handlers[t]; ok {
		return h
	}
	return k.forward
}

// publishEvent stamps ev with this kernel's URI when it is not yet present
// and delivers it to stream subscribers.
func (k *Kernel) publishEvent(ev *protocol.EventEnvelope) {
	uri := k.URI()
	if !ev.RoutingSlip().Contains(uri, false) {
		mustStamp(ev.RoutingSlip().Stamp(uri))
	}
	k.events.deliver(ev)
}

func (k *Kernel) handleRequestKernelInfo(_ context.Context, inv Invocation) error {
	inv.Publish(&protocol.KernelInfoProduced{KernelInfo: k.KernelInfo()})
	return nil
}

// eventStream is an ordered list of event subscribers.
type eventStream struct {
	mu   sync.RWMutex
	next int
	subs []eventSub
}

type eventSub struct {
	id int
	fn EventHandler
}

func (s *eventStream) subscribe(fn EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.subs = append(s.subs, eventSub{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *eventStream) deliver(ev *protocol.EventEnvelope) {
	s.mu.RLock()
	subs := make([]eventSub, len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}
