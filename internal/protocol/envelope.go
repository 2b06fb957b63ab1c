package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/kernelroute/internal/protocol/routing"
	"github.com/google/uuid"
)

// Envelope is either a *CommandEnvelope or an *EventEnvelope.
type Envelope interface {
	isEnvelope()
}

// CommandEnvelope wraps one physical command instance. The id identifies the
// instance; the token identifies its lineage, with child tokens formed as
// parentToken + "." + childIndex.
type CommandEnvelope struct {
	mu          sync.Mutex
	command     KernelCommand
	token       string
	id          string
	parent      *CommandEnvelope
	childCount  int
	routingSlip *routing.CommandSlip
}

func NewCommandEnvelope(cmd KernelCommand) *CommandEnvelope {
	return &CommandEnvelope{
		command:     cmd,
		id:          uuid.NewString(),
		routingSlip: routing.NewCommandSlip(),
	}
}

func (*CommandEnvelope) isEnvelope() {}

func (e *CommandEnvelope) CommandType() CommandType { return e.command.CommandType() }

func (e *CommandEnvelope) Command() KernelCommand { return e.command }

func (e *CommandEnvelope) ID() string { return e.id }

func (e *CommandEnvelope) RoutingSlip() *routing.CommandSlip { return e.routingSlip }

func (e *CommandEnvelope) Parent() *CommandEnvelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parent
}

// Token returns the lineage token, creating it on first use.
func (e *CommandEnvelope) Token() string {
	e.mu.Lock()
	if e.token != "" {
		tok := e.token
		e.mu.Unlock()
		return tok
	}
	parent := e.parent
	e.mu.Unlock()

	var tok string
	if parent != nil {
		tok = parent.Token() + "." + strconv.Itoa(parent.nextChildIndex())
	} else {
		tok = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token == "" {
		e.token = tok
	}
	return e.token
}

func (e *CommandEnvelope) nextChildIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.childCount++
	return e.childCount
}

// SetParent links e under p. Re-linking to the same parent is a no-op; a
// different parent, or an existing token outside p's lineage, is rejected.
func (e *CommandEnvelope) SetParent(p *CommandEnvelope) error {
	if p == nil {
		return nil
	}
	if SameCommand(e, p) {
		return ErrSelfParent
	}
	e.mu.Lock()
	current, token := e.parent, e.token
	e.mu.Unlock()

	if current != nil {
		if SameCommand(current, p) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrParentMismatch, e)
	}
	if token != "" && !tokenWithin(token, p.Token()) {
		return fmt.Errorf("%w: token=%s parent=%s", ErrTokenMismatch, token, p.Token())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.parent == nil {
		e.parent = p
	}
	return nil
}

func (e *CommandEnvelope) IsSelfOrDescendantOf(o *CommandEnvelope) bool {
	if e == nil || o == nil {
		return false
	}
	return tokenWithin(e.Token(), o.Token())
}

func (e *CommandEnvelope) HasSameRootCommandAs(o *CommandEnvelope) bool {
	if e == nil || o == nil {
		return false
	}
	return rootToken(e.Token()) == rootToken(o.Token())
}

func (e *CommandEnvelope) String() string {
	if e == nil {
		return "<nil command>"
	}
	return fmt.Sprintf("%s(token=%s id=%s)", e.CommandType(), e.Token(), e.id)
}

// SameCommand reports whether a and b denote the same command: the same
// pointer, or equal type, token and id.
func SameCommand(a, b *CommandEnvelope) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.CommandType() == b.CommandType() && a.id == b.id && a.Token() == b.Token()
}

func tokenWithin(token, ancestor string) bool {
	return token == ancestor || strings.HasPrefix(token, ancestor+".")
}

func rootToken(token string) string {
	if i := strings.IndexByte(token, '.'); i >= 0 {
		return token[:i]
	}
	return token
}

// EventEnvelope wraps one event with the command that triggered it, if any.
type EventEnvelope struct {
	mu          sync.Mutex
	event       KernelEvent
	command     *CommandEnvelope
	routingSlip *routing.EventSlip
}

func NewEventEnvelope(ev KernelEvent, cmd *CommandEnvelope) *EventEnvelope {
	return &EventEnvelope{
		event:       ev,
		command:     cmd,
		routingSlip: routing.NewEventSlip(),
	}
}

func (*EventEnvelope) isEnvelope() {}

func (e *EventEnvelope) EventType() EventType { return e.event.EventType() }

func (e *EventEnvelope) Event() KernelEvent { return e.event }

func (e *EventEnvelope) RoutingSlip() *routing.EventSlip { return e.routingSlip }

func (e *EventEnvelope) Command() *CommandEnvelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.command
}

// AttributeTo sets the triggering command when none is set yet.
func (e *EventEnvelope) AttributeTo(cmd *CommandEnvelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.command == nil {
		e.command = cmd
	}
}

func (e *EventEnvelope) String() string {
	if e == nil {
		return "<nil event>"
	}
	return fmt.Sprintf("%s for %s", e.EventType(), e.Command())
}
