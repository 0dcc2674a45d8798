package telephony

import (
	"encoding/xml"
	"fmt"
)

// Minimal TwiML, enough to start a bidirectional media stream.
// Twilio expects Content-Type: text/xml.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// MediaStreamTwiML renders the control document that tells Twilio to open a
// media-stream websocket back to this service. secure selects wss over ws.
func MediaStreamTwiML(secure bool, host string) ([]byte, error) {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{URL: fmt.Sprintf("%s://%s/media-stream", scheme, host)},
		},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
