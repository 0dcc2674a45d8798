package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/journaline/internal/calllog"
	"github.com/antoniostano/journaline/internal/config"
	"github.com/antoniostano/journaline/internal/observability"
	"github.com/antoniostano/journaline/internal/protocol"
	"github.com/antoniostano/journaline/internal/relay"
	"github.com/antoniostano/journaline/internal/telephony"
)

// AgentConn is one live conversation socket as the relay sees it.
type AgentConn interface {
	relay.Conn
	Events() <-chan any
}

// AgentDialer opens a conversation session for each accepted call.
type AgentDialer interface {
	StartConversation(ctx context.Context) (AgentConn, error)
}

// AgentDialerFunc adapts a dial function to the AgentDialer interface.
type AgentDialerFunc func(ctx context.Context) (AgentConn, error)

func (f AgentDialerFunc) StartConversation(ctx context.Context) (AgentConn, error) {
	return f(ctx)
}

// CallCreator originates outbound calls through the telephony provider.
type CallCreator interface {
	CreateCall(ctx context.Context, to, webhookURL string) (telephony.Call, error)
}

// JournalService runs the post-call transcript pipeline. Nil when the
// pipeline's credentials are not configured.
type JournalService interface {
	ProcessConversation(ctx context.Context, conversationID string) (calllog.Entry, error)
	RecentEntries(ctx context.Context, limit int) ([]calllog.Entry, error)
}

type Server struct {
	cfg      config.Config
	calls    *relay.Registry
	agents   AgentDialer
	twilio   CallCreator
	journal  JournalService
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, calls *relay.Registry, agents AgentDialer, twilio CallCreator, journal JournalService, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		calls:   calls,
		agents:  agents,
		twilio:  twilio,
		journal: journal,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media-stream client is Twilio's backend, not a browser;
			// it sends no Origin header worth checking.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleHealth)
	r.Handle("/incoming-call", http.HandlerFunc(s.handleIncomingCall))
	r.Get("/media-stream", s.handleMediaStream)
	r.Post("/make-outbound-call", s.handleMakeOutboundCall)
	r.Post("/journal/webhook", s.handleJournalWebhook)
	r.Get("/journal/entries", s.handleJournalEntries)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "journaline",
	})
}

// handleIncomingCall answers Twilio's call webhook with TwiML that opens a
// media stream back to this service. Twilio may use GET or POST depending on
// the number's configuration, so every method is accepted.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	twiml, err := telephony.MediaStreamTwiML(secureRequest(r), r.Host)
	if err != nil {
		http.Error(w, "twiml generation failed", http.StatusInternalServerError)
		return
	}
	s.metrics.CallEvents.WithLabelValues("webhook_answered").Inc()
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(twiml)
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := relay.NewCallSession(relay.WrapConn(conn), s.metrics)
	sess.SetCloseHook(func(cs *relay.CallSession) {
		s.calls.Remove(cs.ID)
		s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	})
	s.calls.Add(sess)
	s.metrics.ActiveCalls.Set(float64(s.calls.ActiveCount()))
	s.metrics.CallEvents.WithLabelValues("call_accepted").Inc()

	// The agent leg opens as soon as the call is accepted; waiting for the
	// start event would cost the greeting its first frames.
	agentConn, err := s.agents.StartConversation(r.Context())
	if err != nil {
		log.Printf("call %s: agent connect failed: %v", sess.ID, err)
		s.metrics.ProviderErrors.WithLabelValues("elevenlabs", "dial").Inc()
		sess.Close()
		return
	}
	sess.AttachAgent(agentConn)
	s.metrics.CallEvents.WithLabelValues("agent_connected").Inc()

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		for ev := range agentConn.Events() {
			sess.HandleAgentEvent(ev)
		}
		// Agent leg ended, cleanly or not: the whole call comes down.
		sess.Close()
	}()

	conn.SetReadLimit(1 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseTwilioEvent(data)
		if err != nil {
			log.Printf("call %s: ignoring frame: %v", sess.ID, err)
			s.metrics.DroppedFrames.WithLabelValues("twilio_decode").Inc()
			continue
		}
		sess.HandleTwilioEvent(parsed)
	}

	sess.Close()
	<-agentDone
}

type outboundCallRequest struct {
	To string `json:"to"`
}

type outboundCallResponse struct {
	Message string `json:"message"`
	CallSID string `json:"callSid"`
}

type outboundCallError struct {
	Error   string                    `json:"error"`
	Details *outboundCallErrorDetails `json:"details,omitempty"`
}

type outboundCallErrorDetails struct {
	Status   int    `json:"status"`
	Code     int    `json:"code"`
	MoreInfo string `json:"moreInfo"`
}

func (s *Server) handleMakeOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req outboundCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, outboundCallError{Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.To) == "" {
		respondJSON(w, http.StatusBadRequest, outboundCallError{Error: "Destination phone number is required"})
		return
	}

	call, err := s.twilio.CreateCall(r.Context(), req.To, s.webhookURL(r))
	if err != nil {
		var apiErr *telephony.APIError
		if errors.As(err, &apiErr) {
			s.metrics.ProviderErrors.WithLabelValues("twilio", strconv.Itoa(apiErr.Code)).Inc()
			respondJSON(w, http.StatusInternalServerError, outboundCallError{
				Error: "Failed to initiate call",
				Details: &outboundCallErrorDetails{
					Status:   apiErr.Status,
					Code:     apiErr.Code,
					MoreInfo: apiErr.MoreInfo,
				},
			})
			return
		}
		log.Printf("outbound call to %s failed: %v", req.To, err)
		s.metrics.ProviderErrors.WithLabelValues("twilio", "transport").Inc()
		respondJSON(w, http.StatusInternalServerError, outboundCallError{Error: "Failed to initiate call"})
		return
	}

	s.metrics.CallEvents.WithLabelValues("outbound_initiated").Inc()
	respondJSON(w, http.StatusOK, outboundCallResponse{
		Message: "Call initiated",
		CallSID: call.SID,
	})
}

type journalWebhookRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleJournalWebhook(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"message": "Summarization is not available",
		})
		return
	}

	var req journalWebhookRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"status":  "error",
			"message": "Invalid request data",
		})
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"status":  "error",
			"message": "Missing conversation_id",
		})
		return
	}

	entry, err := s.journal.ProcessConversation(r.Context(), req.ConversationID)
	if err != nil {
		log.Printf("journal webhook for %s failed: %v", req.ConversationID, err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{
			"status":          "error",
			"message":         err.Error(),
			"conversation_id": req.ConversationID,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"message":         "Summarization completed successfully",
		"conversation_id": entry.ConversationID,
		"entry_id":        entry.ID,
	})
}

func (s *Server) handleJournalEntries(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"message": "Summarization is not available",
		})
		return
	}

	limit := 20
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondJSON(w, http.StatusBadRequest, map[string]any{
				"status":  "error",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	entries, err := s.journal.RecentEntries(r.Context(), limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	if entries == nil {
		entries = []calllog.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// webhookURL is where Twilio should fetch TwiML for calls this service
// originates. An explicit public base URL wins; otherwise it is derived from
// the triggering request the same way the media-stream URL is.
func (s *Server) webhookURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/incoming-call"
	}
	scheme := "http"
	if secureRequest(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/incoming-call"
}

// secureRequest reports whether the inbound request arrived over TLS,
// directly or via a terminating proxy. Absent or malformed headers fall back
// to insecure.
func secureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if i := strings.IndexByte(proto, ','); i >= 0 {
		proto = proto[:i]
	}
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
