package protocol

import (
	"fmt"

	"github.com/danmuck/kernelroute/internal/protocol/routing"
	json "github.com/goccy/go-json"
)

// CommandEnvelopeModel is the wire shape of a command envelope.
type CommandEnvelopeModel struct {
	Token       string          `json:"token,omitempty"`
	ID          string          `json:"id,omitempty"`
	CommandType CommandType     `json:"commandType"`
	Command     json.RawMessage `json:"command"`
	RoutingSlip []string        `json:"routingSlip,omitempty"`
}

// EventEnvelopeModel is the wire shape of an event envelope.
type EventEnvelopeModel struct {
	EventType   EventType             `json:"eventType"`
	Event       json.RawMessage       `json:"event"`
	Command     *CommandEnvelopeModel `json:"command,omitempty"`
	RoutingSlip []string              `json:"routingSlip,omitempty"`
}

func (e *CommandEnvelope) ToModel() (CommandEnvelopeModel, error) {
	payload, err := json.Marshal(e.command)
	if err != nil {
		return CommandEnvelopeModel{}, fmt.Errorf("protocol: encode %s: %w", e.CommandType(), err)
	}
	return CommandEnvelopeModel{
		Token:       e.Token(),
		ID:          e.id,
		CommandType: e.CommandType(),
		Command:     payload,
		RoutingSlip: e.routingSlip.ToArray(),
	}, nil
}

// CommandEnvelopeFromModel rebuilds an envelope, keeping the sender's token
// and id so both sides agree on command identity.
func CommandEnvelopeFromModel(m CommandEnvelopeModel) (*CommandEnvelope, error) {
	cmd, err := DecodeCommandPayload(m.CommandType, m.Command)
	if err != nil {
		return nil, err
	}
	env := NewCommandEnvelope(cmd)
	if m.ID != "" {
		env.id = m.ID
	}
	env.token = m.Token
	env.routingSlip = routing.NewCommandSlip(m.RoutingSlip...)
	return env, nil
}

func (e *EventEnvelope) ToModel() (EventEnvelopeModel, error) {
	payload, err := json.Marshal(e.event)
	if err != nil {
		return EventEnvelopeModel{}, fmt.Errorf("protocol: encode %s: %w", e.EventType(), err)
	}
	m := EventEnvelopeModel{
		EventType:   e.EventType(),
		Event:       payload,
		RoutingSlip: e.routingSlip.ToArray(),
	}
	if cmd := e.Command(); cmd != nil {
		cm, err := cmd.ToModel()
		if err != nil {
			return EventEnvelopeModel{}, err
		}
		m.Command = &cm
	}
	return m, nil
}

func EventEnvelopeFromModel(m EventEnvelopeModel) (*EventEnvelope, error) {
	ev, err := DecodeEventPayload(m.EventType, m.Event)
	if err != nil {
		return nil, err
	}
	var cmd *CommandEnvelope
	if m.Command != nil {
		cmd, err = CommandEnvelopeFromModel(*m.Command)
		if err != nil {
			return nil, err
		}
	}
	env := NewEventEnvelope(ev, cmd)
	env.routingSlip = routing.NewEventSlip(m.RoutingSlip...)
	return env, nil
}

func EncodeCommand(e *CommandEnvelope) ([]byte, error) {
	m, err := e.ToModel()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeCommand(data []byte) (*CommandEnvelope, error) {
	var m CommandEnvelopeModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return CommandEnvelopeFromModel(m)
}

func EncodeEvent(e *EventEnvelope) ([]byte, error) {
	m, err := e.ToModel()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeEvent(data []byte) (*EventEnvelope, error) {
	var m EventEnvelopeModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return EventEnvelopeFromModel(m)
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case *CommandEnvelope:
		return EncodeCommand(e)
	case *EventEnvelope:
		return EncodeEvent(e)
	default:
		return nil, ErrUnknownEnvelope
	}
}

// DecodeEnvelope decodes either envelope kind, telling them apart by which
// type tag is present.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var kind struct {
		CommandType CommandType `json:"commandType"`
		EventType   EventType   `json:"eventType"`
	}
	if err := json.Unmarshal(data, &kind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch {
	case kind.EventType != "":
		return DecodeEvent(data)
	case kind.CommandType != "":
		return DecodeCommand(data)
	default:
		return nil, ErrUnknownEnvelope
	}
}
