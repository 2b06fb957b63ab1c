package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// KernelEvent is the closed set of event payloads.
type KernelEvent interface {
	EventType() EventType
	isKernelEvent()
}

type event struct{}

func (event) isKernelEvent() {}

type CommandSucceeded struct {
	event
	ExecutionOrder int `json:"executionOrder,omitempty"`
}

func (*CommandSucceeded) EventType() EventType { return CommandSucceededType }

type CommandFailed struct {
	event
	Message string `json:"message"`
}

func (*CommandFailed) EventType() EventType { return CommandFailedType }

type KernelInfoProduced struct {
	event
	KernelInfo KernelInfo `json:"kernelInfo"`
}

func (*KernelInfoProduced) EventType() EventType { return KernelInfoProducedType }

type KernelReady struct {
	event
	KernelInfos []KernelInfo `json:"kernelInfos"`
}

func (*KernelReady) EventType() EventType { return KernelReadyType }

type CodeSubmissionReceived struct {
	event
	Code string `json:"code"`
}

func (*CodeSubmissionReceived) EventType() EventType { return CodeSubmissionReceivedType }

// DisplayEvent is the shared shape of every value display event.
type DisplayEvent struct {
	event
	FormattedValues []FormattedValue `json:"formattedValues"`
	ValueID         string           `json:"valueId,omitempty"`
}

type ReturnValueProduced struct{ DisplayEvent }

func (*ReturnValueProduced) EventType() EventType { return ReturnValueProducedType }

type DisplayedValueProduced struct{ DisplayEvent }

func (*DisplayedValueProduced) EventType() EventType { return DisplayedValueProducedType }

type StandardOutputValueProduced struct{ DisplayEvent }

func (*StandardOutputValueProduced) EventType() EventType { return StandardOutputValueProducedType }

type StandardErrorValueProduced struct{ DisplayEvent }

func (*StandardErrorValueProduced) EventType() EventType { return StandardErrorValueProducedType }

type ErrorProduced struct {
	DisplayEvent
	Message string `json:"message"`
}

func (*ErrorProduced) EventType() EventType { return ErrorProducedType }

type InputProduced struct {
	event
	Value string `json:"value"`
}

func (*InputProduced) EventType() EventType { return InputProducedType }

type ValueProduced struct {
	event
	Name           string         `json:"name"`
	FormattedValue FormattedValue `json:"formattedValue"`
}

func (*ValueProduced) EventType() EventType { return ValueProducedType }

// KernelValueInfo describes one value held by a kernel.
type KernelValueInfo struct {
	Name               string         `json:"name"`
	TypeName           string         `json:"typeName,omitempty"`
	FormattedValue     FormattedValue `json:"formattedValue"`
	PreferredMimeTypes []string       `json:"preferredMimeTypes,omitempty"`
}

type ValueInfosProduced struct {
	event
	ValueInfos []KernelValueInfo `json:"valueInfos"`
}

func (*ValueInfosProduced) EventType() EventType { return ValueInfosProducedType }

// RawEvent carries an event kind this process has no model for.
type RawEvent struct {
	event
	Type    EventType
	Payload json.RawMessage
}

func (e *RawEvent) EventType() EventType { return e.Type }

func (e *RawEvent) MarshalJSON() ([]byte, error) {
	if len(e.Payload) == 0 {
		return []byte("{}"), nil
	}
	return e.Payload, nil
}

var eventFactories = map[EventType]func() KernelEvent{
	CommandSucceededType:            func() KernelEvent { return &CommandSucceeded{} },
	CommandFailedType:               func() KernelEvent { return &CommandFailed{} },
	KernelInfoProducedType:          func() KernelEvent { return &KernelInfoProduced{} },
	KernelReadyType:                 func() KernelEvent { return &KernelReady{} },
	CodeSubmissionReceivedType:      func() KernelEvent { return &CodeSubmissionReceived{} },
	ReturnValueProducedType:         func() KernelEvent { return &ReturnValueProduced{} },
	DisplayedValueProducedType:      func() KernelEvent { return &DisplayedValueProduced{} },
	StandardOutputValueProducedType: func() KernelEvent { return &StandardOutputValueProduced{} },
	StandardErrorValueProducedType:  func() KernelEvent { return &StandardErrorValueProduced{} },
	ErrorProducedType:               func() KernelEvent { return &ErrorProduced{} },
	InputProducedType:               func() KernelEvent { return &InputProduced{} },
	ValueProducedType:               func() KernelEvent { return &ValueProduced{} },
	ValueInfosProducedType:          func() KernelEvent { return &ValueInfosProduced{} },
}

// DecodeEventPayload decodes payload into the registered model for t, or
// into a RawEvent when t is unknown.
func DecodeEventPayload(t EventType, payload []byte) (KernelEvent, error) {
	if t == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrInvalidEnvelope)
	}
	factory, ok := eventFactories[t]
	if !ok {
		return &RawEvent{Type: t, Payload: append(json.RawMessage(nil), payload...)}, nil
	}
	ev := factory()
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, t, err)
		}
	}
	return ev, nil
}
