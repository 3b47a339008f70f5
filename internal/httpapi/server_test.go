package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smarchetti/sona/internal/config"
	"github.com/smarchetti/sona/internal/observability"
	"github.com/smarchetti/sona/internal/protocol"
	"github.com/smarchetti/sona/internal/session"
)

// echoOrchestrator acknowledges every parsed client message with a
// system event so websocket plumbing can be tested end to end.
type echoOrchestrator struct {
	resets int
}

func (*echoOrchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			code := "received"
			if _, isAudio := msg.(protocol.ClientAudioChunk); isAudio {
				code = "audio_received"
			}
			outbound <- protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: s.ID,
				Code:      code,
			}
		}
	}
}

func (*echoOrchestrator) StageSnapshot() observability.StageSnapshot {
	return observability.StageSnapshot{WindowSize: 64}
}

func (o *echoOrchestrator) ResetStages() { o.resets++ }

// testMetricsSeq keeps each test server's Prometheus namespace unique so
// repeated registrations against the global registry do not collide.
var testMetricsSeq atomic.Int64

func newTestServer(t *testing.T, orch Orchestrator) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		TTSVoiceStyle:            "warm",
		TTSLanguage:              "en",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", testMetricsSeq.Add(1)))
	srv := New(cfg, sessions, orch, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestCreateAndEndSession(t *testing.T) {
	_, ts := newTestServer(t, nil)

	createReq := map[string]string{
		"user_id":     "user-1",
		"voice_style": "warm",
	}
	body, _ := json.Marshal(createReq)
	res, err := http.Post(ts.URL+"/v1/voice/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["voice_style"] != "warm" {
		t.Fatalf("voice_style = %v, want warm", created["voice_style"])
	}

	endRes, err := http.Post(ts.URL+"/v1/voice/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestCreateSessionAppliesDefaults(t *testing.T) {
	_, ts := newTestServer(t, nil)

	res, err := http.Post(ts.URL+"/v1/voice/session", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created["user_id"] != "anonymous" {
		t.Fatalf("user_id = %v, want anonymous", created["user_id"])
	}
	if created["language"] != "en" {
		t.Fatalf("language = %v, want en", created["language"])
	}
}

func TestEndUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, nil)

	res, err := http.Post(ts.URL+"/v1/voice/session/nonexistent/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestHealthAndReady(t *testing.T) {
	_, ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	ready, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", ready.StatusCode, http.StatusOK)
	}
}

func TestDSPStats(t *testing.T) {
	_, ts := newTestServer(t, &echoOrchestrator{})

	res, err := http.Get(ts.URL + "/v1/voice/dsp/stats")
	if err != nil {
		t.Fatalf("GET /v1/voice/dsp/stats error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var snap map[string]any
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap["window_size"] != float64(64) {
		t.Fatalf("window_size = %v, want 64", snap["window_size"])
	}
}

func TestDSPStatsReset(t *testing.T) {
	orch := &echoOrchestrator{}
	_, ts := newTestServer(t, orch)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/voice/dsp/stats", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/voice/dsp/stats error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if orch.resets != 1 {
		t.Fatalf("resets = %d, want 1", orch.resets)
	}
}

func TestSessionWSRequiresSession(t *testing.T) {
	_, ts := newTestServer(t, &echoOrchestrator{})

	res, err := http.Get(ts.URL + "/v1/voice/session/ws?session_id=missing")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t, &echoOrchestrator{})

	sess := srv.sessions.Create("u1", "warm", "en")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	ctrl := protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sess.ID,
		Action:    protocol.ActionResetNoiseProfile,
	}
	if err := conn.WriteJSON(ctrl); err != nil {
		t.Fatalf("write control: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt protocol.SystemEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read system event: %v", err)
	}
	if evt.Code != "received" {
		t.Fatalf("event code = %q, want %q", evt.Code, "received")
	}
	if evt.SessionID != sess.ID {
		t.Fatalf("event session = %q, want %q", evt.SessionID, sess.ID)
	}
}

func TestSessionWSRejectsMalformedMessage(t *testing.T) {
	srv, ts := newTestServer(t, &echoOrchestrator{})

	sess := srv.sessions.Create("u1", "warm", "en")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write message: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt protocol.ErrorEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if evt.Code != "invalid_client_message" {
		t.Fatalf("error code = %q, want %q", evt.Code, "invalid_client_message")
	}
}
