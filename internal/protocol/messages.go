package protocol

import "time"

// Event names emitted by a voice-agent collaborator.
const (
	EventSpeechStart = "speech-start"
	EventSpeechEnd   = "speech-end"
	EventMessage     = "message"
	EventError       = "error"
	// EventCallEnded is sent when the collaborator ends the call on its side.
	EventCallEnded = "call-ended"
)

// Message payload kinds.
const (
	MessageTypeTranscript       = "transcript"
	MessageTypeAssistantMessage = "assistant-message"
	TranscriptTypeFinal         = "final"
	TranscriptTypePartial       = "partial"
	RoleUser                    = "user"
	RoleAssistant               = "assistant"
)

// Event is a single notification from the collaborator.
type Event struct {
	Name      string          `json:"event"`
	CallID    string          `json:"call_id,omitempty"`
	Message   *MessagePayload `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessagePayload mirrors the hosted agent's message event body.
type MessagePayload struct {
	Type           string `json:"type"`
	TranscriptType string `json:"transcriptType,omitempty"`
	Role           string `json:"role,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
	Text           string `json:"text,omitempty"`
}

// Utterance reports the chat line carried by a message payload. ok is false
// for every shape other than a final transcript or an assistant message.
func (p MessagePayload) Utterance() (text string, isUser bool, ok bool) {
	switch p.Type {
	case MessageTypeTranscript:
		if p.TranscriptType != TranscriptTypeFinal {
			return "", false, false
		}
		switch p.Role {
		case RoleUser:
			return p.Transcript, true, true
		case RoleAssistant:
			return p.Transcript, false, true
		}
		return "", false, false
	case MessageTypeAssistantMessage:
		return p.Text, false, true
	}
	return "", false, false
}

// Frame is the JSON envelope exchanged with a streaming collaborator
// (websocket or exec bridge).
type Frame struct {
	Type        string          `json:"type"`
	AssistantID string          `json:"assistantId,omitempty"`
	CallID      string          `json:"callId,omitempty"`
	Message     *MessagePayload `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Frame types.
const (
	FrameStart       = "start"
	FrameStop        = "stop"
	FrameCallStarted = "call-started"
)

// StartRequest asks a bus-attached agent to open a call.
type StartRequest struct {
	CallID      string    `json:"call_id"`
	AssistantID string    `json:"assistant_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// StartReply settles a StartRequest. A non-empty Error rejects it.
type StartReply struct {
	CallID string `json:"call_id"`
	Error  string `json:"error,omitempty"`
}

// StopRequest ends a bus-attached call.
type StopRequest struct {
	CallID    string    `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CallStateUpdate is broadcast whenever the local call state changes.
type CallStateUpdate struct {
	CallID    string    `json:"call_id,omitempty"`
	State     string    `json:"state"`
	Duration  int       `json:"duration_seconds"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptMessage is broadcast for every line appended to the transcript.
type TranscriptMessage struct {
	CallID    string    `json:"call_id,omitempty"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAgentStart        = "voicechat.agent.start"
	SubjectAgentStop         = "voicechat.agent.stop"
	SubjectAgentEventsPrefix = "voicechat.agent.events"
	SubjectCallState         = "voicechat.call.state"
	SubjectTranscriptMessage = "voicechat.transcript.message"
)

// AgentEventsSubject is the subject a bus-attached agent publishes a call's
// events on.
func AgentEventsSubject(callID string) string {
	return SubjectAgentEventsPrefix + "." + callID
}
