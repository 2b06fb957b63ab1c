package protocol

// CommandType is the wire tag carried in a command envelope's commandType.
type CommandType string

// EventType is the wire tag carried in an event envelope's eventType.
type EventType string

const (
	SubmitCodeType        CommandType = "SubmitCode"
	RequestKernelInfoType CommandType = "RequestKernelInfo"
	RequestInputType      CommandType = "RequestInput"
	SendValueType         CommandType = "SendValue"
	RequestValueType      CommandType = "RequestValue"
	RequestValueInfosType CommandType = "RequestValueInfos"
	SendEditableCodeType  CommandType = "SendEditableCode"
	CancelType            CommandType = "Cancel"
	QuitType              CommandType = "Quit"
)

const (
	CommandSucceededType            EventType = "CommandSucceeded"
	CommandFailedType               EventType = "CommandFailed"
	KernelInfoProducedType          EventType = "KernelInfoProduced"
	KernelReadyType                 EventType = "KernelReady"
	CodeSubmissionReceivedType      EventType = "CodeSubmissionReceived"
	ReturnValueProducedType         EventType = "ReturnValueProduced"
	DisplayedValueProducedType      EventType = "DisplayedValueProduced"
	StandardOutputValueProducedType EventType = "StandardOutputValueProduced"
	StandardErrorValueProducedType  EventType = "StandardErrorValueProduced"
	ErrorProducedType               EventType = "ErrorProduced"
	InputProducedType               EventType = "InputProduced"
	ValueProducedType               EventType = "ValueProduced"
	ValueInfosProducedType          EventType = "ValueInfosProduced"
)

// IsTerminal reports whether t ends a command's lifecycle.
func (t EventType) IsTerminal() bool {
	return t == CommandSucceededType || t == CommandFailedType
}

const MimeTextPlain = "text/plain"

// FormattedValue is a value rendered to one mime type.
type FormattedValue struct {
	MimeType        string `json:"mimeType"`
	Value           string `json:"value"`
	SuppressDisplay bool   `json:"suppressDisplay,omitempty"`
}

func PlainText(value string) FormattedValue {
	return FormattedValue{MimeType: MimeTextPlain, Value: value}
}
