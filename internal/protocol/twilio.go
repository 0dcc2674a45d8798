package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TwilioEventType identifies media-stream payload variants from Twilio.
type TwilioEventType string

const (
	TwilioEventStart TwilioEventType = "start"
	TwilioEventMedia TwilioEventType = "media"
	TwilioEventStop  TwilioEventType = "stop"
)

// ErrUnknownEvent marks a frame whose tag is valid JSON but not part of the
// vocabulary the relay handles. Callers log and drop the frame.
var ErrUnknownEvent = errors.New("unknown event type")

// TwilioStart announces the media stream and carries its identifier. Every
// message sent back toward Twilio must be tagged with this identifier.
type TwilioStart struct {
	StreamSID string
}

// TwilioMedia carries one chunk of caller audio as an opaque base64 blob.
type TwilioMedia struct {
	Payload string
}

// TwilioStop signals the end of the media stream.
type TwilioStop struct{}

type twilioEnvelope struct {
	Event string `json:"event"`
	Start struct {
		StreamSID string `json:"streamSid"`
	} `json:"start"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// ParseTwilioEvent decodes one inbound media-stream frame into its tagged
// variant. Unrecognized event names return ErrUnknownEvent.
func ParseTwilioEvent(raw []byte) (any, error) {
	var env twilioEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid media-stream frame: %w", err)
	}

	switch TwilioEventType(env.Event) {
	case TwilioEventStart:
		if env.Start.StreamSID == "" {
			return nil, errors.New("start frame missing streamSid")
		}
		return TwilioStart{StreamSID: env.Start.StreamSID}, nil
	case TwilioEventMedia:
		return TwilioMedia{Payload: env.Media.Payload}, nil
	case TwilioEventStop:
		return TwilioStop{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// TwilioOutboundMedia is agent audio sent back to the caller.
type TwilioOutboundMedia struct {
	Event     string             `json:"event"`
	StreamSID string             `json:"streamSid"`
	Media     TwilioMediaPayload `json:"media"`
}

type TwilioMediaPayload struct {
	Payload string `json:"payload"`
}

// TwilioClear tells Twilio to flush any audio it has buffered for playback.
type TwilioClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewOutboundMedia(streamSID, payload string) TwilioOutboundMedia {
	return TwilioOutboundMedia{
		Event:     string(TwilioEventMedia),
		StreamSID: streamSID,
		Media:     TwilioMediaPayload{Payload: payload},
	}
}

func NewClear(streamSID string) TwilioClear {
	return TwilioClear{Event: "clear", StreamSID: streamSID}
}
