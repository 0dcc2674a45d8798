package protocol

import (
	"encoding/json"
	"fmt"
)

// AgentEventType identifies ConvAI payload variants from ElevenLabs.
type AgentEventType string

const (
	AgentEventConversationInit AgentEventType = "conversation_initiation_metadata"
	AgentEventAudio            AgentEventType = "audio"
	AgentEventInterruption     AgentEventType = "interruption"
	AgentEventPing             AgentEventType = "ping"
)

// AgentConversationInit is informational metadata sent once after the
// conversation socket opens. The conversation id is what the transcript API
// is keyed by, so the relay records it for the journal pipeline.
type AgentConversationInit struct {
	ConversationID string
}

// AgentAudio carries one chunk of agent speech as an opaque base64 blob.
type AgentAudio struct {
	AudioBase64 string
}

// AgentInterruption signals barge-in: the caller started talking over the
// agent, so buffered agent audio must be flushed downstream.
type AgentInterruption struct{}

// AgentPing is the provider's liveness probe; it expects a pong carrying the
// same event id on the same connection.
type AgentPing struct {
	EventID int
}

type agentEnvelope struct {
	Type                              string `json:"type"`
	ConversationInitiationMetadataEvt struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`
	AudioEvent struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event"`
	PingEvent struct {
		EventID int `json:"event_id"`
	} `json:"ping_event"`
}

// ParseAgentEvent decodes one inbound ConvAI frame into its tagged variant.
// Unrecognized event types return ErrUnknownEvent.
func ParseAgentEvent(raw []byte) (any, error) {
	var env agentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid conversation frame: %w", err)
	}

	switch AgentEventType(env.Type) {
	case AgentEventConversationInit:
		return AgentConversationInit{ConversationID: env.ConversationInitiationMetadataEvt.ConversationID}, nil
	case AgentEventAudio:
		return AgentAudio{AudioBase64: env.AudioEvent.AudioBase64}, nil
	case AgentEventInterruption:
		return AgentInterruption{}, nil
	case AgentEventPing:
		return AgentPing{EventID: env.PingEvent.EventID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// UserAudioChunk is caller audio forwarded to the agent.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// Pong answers an AgentPing on the conversation socket.
type Pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

func NewUserAudioChunk(payload string) UserAudioChunk {
	return UserAudioChunk{UserAudioChunk: payload}
}

func NewPong(eventID int) Pong {
	return Pong{Type: "pong", EventID: eventID}
}
