package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/journaline/internal/protocol"
)

// Config holds connection settings for the ElevenLabs conversational agent.
type Config struct {
	AgentID   string
	WSBaseURL string
}

// Client dials conversation sessions against a fixed agent.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, errors.New("agent id is required")
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	return &Client{cfg: cfg}, nil
}

// StartConversation opens one conversation websocket. The agent id rides in
// the URL; no handshake payload is needed. The returned session delivers
// parsed events on its channel until the socket closes.
func (c *Client) StartConversation(ctx context.Context) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.WSBaseURL, "/") + "/v1/convai/conversation")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("agent_id", c.cfg.AgentID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial conversation websocket: %w", err)
	}

	s := &Session{conn: conn, events: make(chan any, 256)}
	go s.readLoop()
	return s, nil
}

// Session is one live conversation socket. Writes are serialized; events
// parsed by the read loop are delivered in arrival order on Events().
type Session struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan any
}

// Events yields parsed agent events. The channel closes when the socket
// closes, cleanly or not.
func (s *Session) Events() <-chan any { return s.events }

func (s *Session) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *Session) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *Session) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		parsed, err := protocol.ParseAgentEvent(data)
		if err != nil {
			// Unknown or malformed frames are dropped; the session survives.
			log.Printf("agent: ignoring frame: %v", err)
			continue
		}
		s.events <- parsed
	}
}

func (s *Session) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
	close(s.events)
}
