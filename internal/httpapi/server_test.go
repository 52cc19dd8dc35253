package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emvazquez/agora/internal/config"
	"github.com/emvazquez/agora/internal/observability"
	"github.com/emvazquez/agora/internal/provider"
	"github.com/emvazquez/agora/internal/session"
	"github.com/emvazquez/agora/internal/speech"
	"github.com/emvazquez/agora/internal/turnlog"
)

func newTestServer(t *testing.T) (*Server, *session.Manager, turnlog.Store) {
	t.Helper()
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	turns := turnlog.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))

	chain, err := provider.NewChain(time.Second, speech.NewMockBackend().Backend())
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	pipeline := speech.NewPipeline(speech.NewCache(time.Hour), chain, speech.NewStaticResolver(nil), nil)

	return New(cfg, sessions, turns, nil, pipeline, metrics), sessions, turns
}

func createBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"topic":  "city gardens",
		"format": "round_robin",
		"speakers": []map[string]any{
			{"speaker_id": "a", "display_name": "Ada", "kind": "agent", "voice": map[string]any{"language": "en"}},
			{"speaker_id": "b", "display_name": "Byron", "kind": "agent", "voice": map[string]any{"language": "en"}},
		},
	})
	return body
}

func TestCreateGetEndSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(createBody()))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created struct {
		Session struct {
			SessionID string `json:"session_id"`
			Status    string `json:"status"`
		} `json:"session"`
		InactivityTTLMS int64 `json:"inactivity_ttl_ms"`
	}
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Session.SessionID == "" || created.Session.Status != "active" {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.InactivityTTLMS != (2 * time.Minute).Milliseconds() {
		t.Fatalf("inactivity_ttl_ms = %d", created.InactivityTTLMS)
	}

	getRes, err := http.Get(ts.URL + "/v1/sessions/" + created.Session.SessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	defer getRes.Body.Close()
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", getRes.StatusCode, http.StatusOK)
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+created.Session.SessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"topic": "", "format": "round_robin"})
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestListTurns(t *testing.T) {
	srv, sessions, turns := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	s, err := sessions.Create("history", session.FormatRoundRobin, []session.Speaker{
		{ID: "a", Kind: session.SpeakerAgent},
		{ID: "b", Kind: session.SpeakerAgent},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := turns.Append(context.Background(), session.Turn{
			ID: fmt.Sprintf("t%d", i), SessionID: s.ID, TurnNumber: i, SpeakerID: "a", Content: "line",
		}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	res, err := http.Get(ts.URL + "/v1/sessions/" + s.ID + "/turns?limit=2")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload struct {
		Turns []session.Turn `json:"turns"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(payload.Turns))
	}

	missing, err := http.Get(ts.URL + "/v1/sessions/nope/turns")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestPreviewVoice(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{
		"text":  "testing one two",
		"voice": map[string]any{"language": "en"},
	})
	res, err := http.Post(ts.URL+"/v1/voices/preview", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if res.Header.Get("X-Voice-Id") == "" {
		t.Fatalf("missing X-Voice-Id header")
	}
	audio, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(audio) == 0 {
		t.Fatalf("preview returned no audio")
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}
