package relay

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/journaline/internal/observability"
	"github.com/antoniostano/journaline/internal/protocol"
)

// State tracks where a call session is in its lifecycle.
type State string

const (
	// StateConnecting: the Twilio leg is accepted, the agent leg is opening,
	// and no stream id is known yet.
	StateConnecting State = "connecting"
	// StateActive: the stream id arrived and audio may flow both ways.
	StateActive State = "active"
	// StateClosing: one leg initiated teardown; both sockets are being closed.
	StateClosing State = "closing"
	// StateClosed: both sockets are closed and the session is released.
	StateClosed State = "closed"
)

// CallSession couples one Twilio media stream with one ElevenLabs
// conversation and translates events between the two protocols. Each handler
// method may be called from its leg's read loop; cross-leg state is guarded
// by the session mutex and each Conn serializes its own writes.
type CallSession struct {
	ID string

	mu             sync.Mutex
	state          State
	streamSID      string
	conversationID string
	twilio         Conn
	agent          Conn
	onClose        func(*CallSession)

	startedAt time.Time
	metrics   *observability.Metrics
}

func NewCallSession(twilio Conn, metrics *observability.Metrics) *CallSession {
	return &CallSession{
		ID:        uuid.NewString(),
		state:     StateConnecting,
		twilio:    twilio,
		startedAt: time.Now().UTC(),
		metrics:   metrics,
	}
}

// AttachAgent hands the opened conversation socket to the session. The agent
// leg is dialed as soon as the Twilio leg is accepted, before the stream id
// is known.
func (s *CallSession) AttachAgent(agent Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent = agent
}

// SetCloseHook registers a callback invoked exactly once after both legs are
// closed.
func (s *CallSession) SetCloseHook(fn func(*CallSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// ConversationID returns the ElevenLabs conversation id, empty until the
// initiation metadata arrives.
func (s *CallSession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// HandleTwilioEvent processes one parsed frame from the telephony leg.
func (s *CallSession) HandleTwilioEvent(ev any) {
	switch ev := ev.(type) {
	case protocol.TwilioStart:
		s.mu.Lock()
		s.streamSID = ev.StreamSID
		if s.state == StateConnecting {
			s.state = StateActive
		}
		s.mu.Unlock()
		s.metrics.CallEvents.WithLabelValues("stream_started").Inc()
		log.Printf("call %s: media stream %s started", s.ID, ev.StreamSID)

	case protocol.TwilioMedia:
		agent, open := s.agentLeg()
		if !open {
			s.metrics.DroppedFrames.WithLabelValues("agent_not_open").Inc()
			return
		}
		if err := agent.WriteJSON(protocol.NewUserAudioChunk(ev.Payload)); err != nil {
			log.Printf("call %s: agent write failed: %v", s.ID, err)
			s.metrics.ProviderErrors.WithLabelValues("elevenlabs", "write").Inc()
			s.Close()
			return
		}
		s.metrics.RelayFrames.WithLabelValues("upstream", "user_audio_chunk").Inc()

	case protocol.TwilioStop:
		s.metrics.CallEvents.WithLabelValues("stream_stopped").Inc()
		log.Printf("call %s: media stream stopped", s.ID)
		s.Close()
	}
}

// HandleAgentEvent processes one parsed frame from the conversation leg.
// Frames are handled in arrival order, so a clear always reaches Twilio
// before media translated from any later audio event.
func (s *CallSession) HandleAgentEvent(ev any) {
	switch ev := ev.(type) {
	case protocol.AgentConversationInit:
		s.mu.Lock()
		s.conversationID = ev.ConversationID
		s.mu.Unlock()
		s.metrics.CallEvents.WithLabelValues("conversation_started").Inc()
		log.Printf("call %s: conversation %s initiated", s.ID, ev.ConversationID)

	case protocol.AgentAudio:
		if ev.AudioBase64 == "" {
			return
		}
		twilio, sid, open := s.twilioLeg()
		if !open {
			s.metrics.DroppedFrames.WithLabelValues("twilio_not_open").Inc()
			return
		}
		if sid == "" {
			// Agent audio can race the Twilio start event. A media frame
			// without a stream id is malformed, so early audio is dropped.
			s.metrics.DroppedFrames.WithLabelValues("no_stream_sid").Inc()
			return
		}
		if err := twilio.WriteJSON(protocol.NewOutboundMedia(sid, ev.AudioBase64)); err != nil {
			log.Printf("call %s: twilio write failed: %v", s.ID, err)
			s.metrics.ProviderErrors.WithLabelValues("twilio", "write").Inc()
			s.Close()
			return
		}
		s.metrics.RelayFrames.WithLabelValues("downstream", "media").Inc()

	case protocol.AgentInterruption:
		twilio, sid, open := s.twilioLeg()
		if !open || sid == "" {
			s.metrics.DroppedFrames.WithLabelValues("no_stream_sid").Inc()
			return
		}
		if err := twilio.WriteJSON(protocol.NewClear(sid)); err != nil {
			log.Printf("call %s: twilio write failed: %v", s.ID, err)
			s.metrics.ProviderErrors.WithLabelValues("twilio", "write").Inc()
			s.Close()
			return
		}
		s.metrics.RelayFrames.WithLabelValues("downstream", "clear").Inc()

	case protocol.AgentPing:
		agent, open := s.agentLeg()
		if !open {
			return
		}
		if err := agent.WriteJSON(protocol.NewPong(ev.EventID)); err != nil {
			log.Printf("call %s: pong write failed: %v", s.ID, err)
			s.metrics.ProviderErrors.WithLabelValues("elevenlabs", "write").Inc()
			s.Close()
			return
		}
		s.metrics.RelayFrames.WithLabelValues("upstream", "pong").Inc()
	}
}

// Close tears down both legs. Either leg's read loop ending, a write error on
// either socket, or a Twilio stop event funnels here; only the first caller
// performs the teardown.
func (s *CallSession) Close() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	twilio, agent := s.twilio, s.agent
	hook := s.onClose
	s.mu.Unlock()

	if agent != nil {
		_ = agent.Close()
	}
	if twilio != nil {
		_ = twilio.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.metrics.CallEvents.WithLabelValues("closed").Inc()
	s.metrics.ObserveCallDuration(time.Since(s.startedAt))
	log.Printf("call %s: session closed", s.ID)

	if hook != nil {
		hook(s)
	}
}

func (s *CallSession) agentLeg() (Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil || s.state == StateClosing || s.state == StateClosed {
		return nil, false
	}
	return s.agent, true
}

func (s *CallSession) twilioLeg() (Conn, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.twilio == nil || s.state == StateClosing || s.state == StateClosed {
		return nil, "", false
	}
	return s.twilio, s.streamSID, true
}
