package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/journaline/internal/calllog"
	"github.com/antoniostano/journaline/internal/config"
	"github.com/antoniostano/journaline/internal/observability"
	"github.com/antoniostano/journaline/internal/protocol"
	"github.com/antoniostano/journaline/internal/relay"
	"github.com/antoniostano/journaline/internal/telephony"
)

var metricsSeq atomic.Int64

func newTestMetrics() *observability.Metrics {
	// promauto registers globally, so every test needs its own namespace.
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
}

type fakeAgentConn struct {
	mu        sync.Mutex
	writes    []any
	events    chan any
	closeOnce sync.Once
	closed    atomic.Int32
}

func newFakeAgentConn() *fakeAgentConn {
	return &fakeAgentConn{events: make(chan any, 16)}
}

func (f *fakeAgentConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeAgentConn) Close() error {
	f.closeOnce.Do(func() {
		f.closed.Add(1)
		close(f.events)
	})
	return nil
}

func (f *fakeAgentConn) Events() <-chan any { return f.events }

func (f *fakeAgentConn) Writes() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.writes))
	copy(out, f.writes)
	return out
}

type fakeCallCreator struct {
	mu         sync.Mutex
	to         string
	webhookURL string
	call       telephony.Call
	err        error
}

func (f *fakeCallCreator) CreateCall(_ context.Context, to, webhookURL string) (telephony.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = to
	f.webhookURL = webhookURL
	if f.err != nil {
		return telephony.Call{}, f.err
	}
	return f.call, nil
}

type fakeJournal struct {
	entry   calllog.Entry
	err     error
	entries []calllog.Entry
}

func (f *fakeJournal) ProcessConversation(_ context.Context, id string) (calllog.Entry, error) {
	if f.err != nil {
		return calllog.Entry{}, f.err
	}
	e := f.entry
	e.ConversationID = id
	return e, nil
}

func (f *fakeJournal) RecentEntries(_ context.Context, _ int) ([]calllog.Entry, error) {
	return f.entries, nil
}

func newTestServer(agents AgentDialer, twilio CallCreator, journal JournalService) (*Server, *relay.Registry) {
	calls := relay.NewRegistry()
	srv := New(config.Config{}, calls, agents, twilio, journal, newTestMetrics())
	return srv, calls
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestIncomingCallTwiML(t *testing.T) {
	srv, _ := newTestServer(nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/incoming-call", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Host = "example.com"

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /incoming-call error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("Content-Type = %q, want text/xml", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `<Stream url="wss://example.com/media-stream"`) {
		t.Fatalf("twiml = %s", body)
	}
}

func TestIncomingCallDefaultsToInsecure(t *testing.T) {
	srv, _ := newTestServer(nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// POST must work too: Twilio's webhook method is configurable.
	res, err := http.Post(ts.URL+"/incoming-call", "application/x-www-form-urlencoded", strings.NewReader("CallSid=CA1"))
	if err != nil {
		t.Fatalf("POST /incoming-call error = %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `<Stream url="ws://`) {
		t.Fatalf("twiml = %s", body)
	}
}

func TestMakeOutboundCallValidation(t *testing.T) {
	creator := &fakeCallCreator{}
	srv, _ := newTestServer(nil, creator, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/make-outbound-call", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "Destination phone number is required" {
		t.Fatalf("body = %+v", body)
	}
}

func TestMakeOutboundCallSuccess(t *testing.T) {
	creator := &fakeCallCreator{call: telephony.Call{SID: "CA777", Status: "queued"}}
	srv, _ := newTestServer(nil, creator, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/make-outbound-call", bytes.NewReader([]byte(`{"to":"+15559992222"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Host = "example.com"

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body outboundCallResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.CallSID != "CA777" {
		t.Fatalf("body = %+v", body)
	}
	creator.mu.Lock()
	to, webhookURL := creator.to, creator.webhookURL
	creator.mu.Unlock()
	if to != "+15559992222" {
		t.Fatalf("creator.to = %q", to)
	}
	if webhookURL != "https://example.com/incoming-call" {
		t.Fatalf("creator.webhookURL = %q", webhookURL)
	}
}

func TestMakeOutboundCallProviderError(t *testing.T) {
	creator := &fakeCallCreator{err: &telephony.APIError{
		Status:   400,
		Code:     21211,
		Message:  "invalid number",
		MoreInfo: "https://www.twilio.com/docs/errors/21211",
	}}
	srv, _ := newTestServer(nil, creator, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/make-outbound-call", "application/json", bytes.NewReader([]byte(`{"to":"bogus"}`)))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.StatusCode)
	}
	var body outboundCallError
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Details == nil || body.Details.Status != 400 || body.Details.Code != 21211 {
		t.Fatalf("body = %+v details = %+v", body, body.Details)
	}
	if body.Details.MoreInfo != "https://www.twilio.com/docs/errors/21211" {
		t.Fatalf("moreInfo = %q", body.Details.MoreInfo)
	}
}

func TestJournalWebhook(t *testing.T) {
	srv, _ := newTestServer(nil, nil, &fakeJournal{entry: calllog.Entry{ID: "e1", Summary: "- hi"}})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/journal/webhook", "application/json", bytes.NewReader([]byte(`{"conversation_id":"conv-1"}`)))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "success" || body["conversation_id"] != "conv-1" {
		t.Fatalf("body = %+v", body)
	}
}

func TestJournalWebhookMissingID(t *testing.T) {
	srv, _ := newTestServer(nil, nil, &fakeJournal{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/journal/webhook", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestJournalWebhookUnconfigured(t *testing.T) {
	srv, _ := newTestServer(nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/journal/webhook", "application/json", bytes.NewReader([]byte(`{"conversation_id":"conv-1"}`)))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
}

func TestJournalEntries(t *testing.T) {
	journal := &fakeJournal{entries: []calllog.Entry{
		{ID: "e2", ConversationID: "conv-2", Summary: "- later"},
		{ID: "e1", ConversationID: "conv-1", Summary: "- earlier"},
	}}
	srv, _ := newTestServer(nil, nil, journal)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/journal/entries?limit=2")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body struct {
		Entries []calllog.Entry `json:"entries"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].ID != "e2" {
		t.Fatalf("entries = %+v", body.Entries)
	}
}

func TestMediaStreamRelay(t *testing.T) {
	agentConn := newFakeAgentConn()
	dialer := AgentDialerFunc(func(context.Context) (AgentConn, error) {
		return agentConn, nil
	})
	srv, calls := newTestServer(dialer, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media-stream: %v", err)
	}
	defer client.Close()

	send := func(frame string) {
		t.Helper()
		if err := client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	send(`{"event":"start","start":{"streamSid":"SD123"},"streamSid":"SD123"}`)
	send(`{"event":"media","media":{"payload":"QUJD"}}`)

	waitFor(t, func() bool {
		for _, w := range agentConn.Writes() {
			if chunk, ok := w.(protocol.UserAudioChunk); ok && chunk.UserAudioChunk == "QUJD" {
				return true
			}
		}
		return false
	}, "caller audio forwarded to agent")

	// Agent speaks: the relay must tag it with the stream id.
	agentConn.events <- protocol.AgentAudio{AudioBase64: "WFlZ"}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read media frame: %v", err)
	}
	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &media); err != nil {
		t.Fatalf("decode media frame: %v", err)
	}
	if media.Event != "media" || media.StreamSID != "SD123" || media.Media.Payload != "WFlZ" {
		t.Fatalf("media frame = %s", data)
	}

	// Barge-in: interruption becomes a clear frame.
	agentConn.events <- protocol.AgentInterruption{}
	_, data, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("read clear frame: %v", err)
	}
	var clearFrame struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
	}
	if err := json.Unmarshal(data, &clearFrame); err != nil {
		t.Fatalf("decode clear frame: %v", err)
	}
	if clearFrame.Event != "clear" || clearFrame.StreamSID != "SD123" {
		t.Fatalf("clear frame = %s", data)
	}

	// Pings are answered on the agent leg, never relayed.
	agentConn.events <- protocol.AgentPing{EventID: 5}
	waitFor(t, func() bool {
		for _, w := range agentConn.Writes() {
			if pong, ok := w.(protocol.Pong); ok && pong.EventID == 5 {
				return true
			}
		}
		return false
	}, "pong answered on agent leg")

	// Hanging up the Twilio leg closes the agent leg and releases the session.
	client.Close()
	waitFor(t, func() bool { return agentConn.closed.Load() == 1 }, "agent leg closed")
	waitFor(t, func() bool { return calls.ActiveCount() == 0 }, "session released")
}

func TestMediaStreamStopTearsDownAgent(t *testing.T) {
	agentConn := newFakeAgentConn()
	dialer := AgentDialerFunc(func(context.Context) (AgentConn, error) {
		return agentConn, nil
	})
	srv, calls := newTestServer(dialer, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media-stream: %v", err)
	}
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	waitFor(t, func() bool { return agentConn.closed.Load() == 1 }, "agent leg closed on stop")
	waitFor(t, func() bool { return calls.ActiveCount() == 0 }, "session released on stop")
}

func TestMediaStreamAgentDialFailure(t *testing.T) {
	dialer := AgentDialerFunc(func(context.Context) (AgentConn, error) {
		return nil, errors.New("agent unavailable")
	})
	srv, calls := newTestServer(dialer, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media-stream: %v", err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("connection should close when the agent leg cannot open")
	}
	waitFor(t, func() bool { return calls.ActiveCount() == 0 }, "session released on dial failure")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
