package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// KernelCommand is the closed set of command payloads. Every implementation
// embeds CommandBase.
type KernelCommand interface {
	CommandType() CommandType
	Base() *CommandBase
}

// CommandBase holds the routing fields common to every command.
type CommandBase struct {
	TargetKernelName string `json:"targetKernelName,omitempty"`
	OriginURI        string `json:"originUri,omitempty"`
	DestinationURI   string `json:"destinationUri,omitempty"`
}

func (b *CommandBase) Base() *CommandBase { return b }

type SubmitCode struct {
	CommandBase
	Code string `json:"code"`
}

func (*SubmitCode) CommandType() CommandType { return SubmitCodeType }

type RequestKernelInfo struct {
	CommandBase
}

func (*RequestKernelInfo) CommandType() CommandType { return RequestKernelInfoType }

type RequestInput struct {
	CommandBase
	Prompt        string `json:"prompt"`
	IsPassword    bool   `json:"isPassword,omitempty"`
	InputTypeHint string `json:"inputTypeHint,omitempty"`
}

func (*RequestInput) CommandType() CommandType { return RequestInputType }

type SendValue struct {
	CommandBase
	Name           string         `json:"name"`
	FormattedValue FormattedValue `json:"formattedValue"`
}

func (*SendValue) CommandType() CommandType { return SendValueType }

type RequestValue struct {
	CommandBase
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

func (*RequestValue) CommandType() CommandType { return RequestValueType }

type RequestValueInfos struct {
	CommandBase
	MimeType string `json:"mimeType,omitempty"`
}

func (*RequestValueInfos) CommandType() CommandType { return RequestValueInfosType }

type SendEditableCode struct {
	CommandBase
	KernelName string `json:"kernelName"`
	Code       string `json:"code"`
}

func (*SendEditableCode) CommandType() CommandType { return SendEditableCodeType }

type Cancel struct {
	CommandBase
}

func (*Cancel) CommandType() CommandType { return CancelType }

type Quit struct {
	CommandBase
}

func (*Quit) CommandType() CommandType { return QuitType }

// RawCommand carries a command kind this process has no model for. The
// payload is forwarded untouched except for the routing fields.
type RawCommand struct {
	CommandBase
	Type    CommandType
	Payload json.RawMessage
}

func (c *RawCommand) CommandType() CommandType { return c.Type }

func (c *RawCommand) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(c.Payload) > 0 {
		if err := json.Unmarshal(c.Payload, &fields); err != nil {
			return nil, fmt.Errorf("protocol: raw %s payload: %w", c.Type, err)
		}
	}
	setString(fields, "targetKernelName", c.TargetKernelName)
	setString(fields, "originUri", c.OriginURI)
	setString(fields, "destinationUri", c.DestinationURI)
	return json.Marshal(fields)
}

func setString(fields map[string]json.RawMessage, key, value string) {
	if value == "" {
		return
	}
	raw, _ := json.Marshal(value)
	fields[key] = raw
}

var commandFactories = map[CommandType]func() KernelCommand{
	SubmitCodeType:        func() KernelCommand { return &SubmitCode{} },
	RequestKernelInfoType: func() KernelCommand { return &RequestKernelInfo{} },
	RequestInputType:      func() KernelCommand { return &RequestInput{} },
	SendValueType:         func() KernelCommand { return &SendValue{} },
	RequestValueType:      func() KernelCommand { return &RequestValue{} },
	RequestValueInfosType: func() KernelCommand { return &RequestValueInfos{} },
	SendEditableCodeType:  func() KernelCommand { return &SendEditableCode{} },
	CancelType:            func() KernelCommand { return &Cancel{} },
	QuitType:              func() KernelCommand { return &Quit{} },
}

// DecodeCommandPayload decodes payload into the registered model for t, or
// into a RawCommand when t is unknown.
func DecodeCommandPayload(t CommandType, payload []byte) (KernelCommand, error) {
	if t == "" {
		return nil, fmt.Errorf("%w: missing commandType", ErrInvalidEnvelope)
	}
	factory, ok := commandFactories[t]
	if !ok {
		raw := &RawCommand{Type: t, Payload: append(json.RawMessage(nil), payload...)}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &raw.CommandBase); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, t, err)
			}
		}
		return raw, nil
	}
	cmd := factory()
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, t, err)
		}
	}
	return cmd, nil
}
