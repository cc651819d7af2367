package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/api"
	"github.com/dgnsrekt/consensus-relay/internal/api/generated"
	"github.com/dgnsrekt/consensus-relay/internal/codec"
	"github.com/dgnsrekt/consensus-relay/internal/fanout"
	"github.com/dgnsrekt/consensus-relay/internal/logservice"
	"github.com/dgnsrekt/consensus-relay/internal/metrics"
	"github.com/dgnsrekt/consensus-relay/internal/relay"
	"github.com/dgnsrekt/consensus-relay/internal/subscription"
)

type testEnv struct {
	svc     *logservice.Memory
	relay   *relay.Relay
	metrics *metrics.Metrics
	clock   *clock.Mock
	server  *httptest.Server
}

type submitFunc func(ctx context.Context, topicID string, payload []byte) (time.Time, error)

func (f submitFunc) Submit(ctx context.Context, topicID string, payload []byte) (time.Time, error) {
	return f(ctx, topicID, payload)
}

// newTestEnv starts a relay on a fresh memory topic. A nil submitter submits
// to the memory service.
func newTestEnv(t *testing.T, submitter Submitter) *testEnv {
	t.Helper()

	svc := logservice.NewMemory(clock.New(), 0, zap.NewNop())
	topicID, err := svc.CreateTopic(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	key, err := codec.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	enc, err := fanout.NewEncoder()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(enc.Close)

	m := metrics.New()
	cfg := relay.Config{Subscription: subscription.DefaultConfig(), DedupWindow: 64}
	r, err := relay.New(topicID, key, svc, enc, cfg, clock.New(), m, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)

	if submitter == nil {
		submitter = svc
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))

	router, err := NewRouter(NewServer(r, submitter, mock, m, zap.NewNop()), Viewers{Metrics: m.Handler()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testEnv{svc: svc, relay: r, metrics: m, clock: mock, server: ts}
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

type captureViewer struct {
	frames chan []byte
}

func (v *captureViewer) ID() string                { return "capture" }
func (v *captureViewer) Encoding() fanout.Encoding { return fanout.EncodingJSON }
func (v *captureViewer) Close()                    {}
func (v *captureViewer) Send(frame []byte) error {
	v.frames <- frame
	return nil
}

func TestGetInfo(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, "/api/info")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var info generated.InfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}
	if info.TopicId != env.relay.TopicID() {
		t.Errorf("expected topic %s, got %s", env.relay.TopicID(), info.TopicId)
	}
	if info.SymKey != codec.EncodeKey(env.relay.Key()) {
		t.Error("symKey does not match the relay key")
	}
}

func TestSendEncryptedReachesViewers(t *testing.T) {
	env := newTestEnv(t, nil)

	viewer := &captureViewer{frames: make(chan []byte, 4)}
	if err := env.relay.Broadcaster().Register(viewer); err != nil {
		t.Fatal(err)
	}
	<-viewer.frames // handshake

	resp, body := env.post(t, "/api/send", `{"message":"hi there","encrypt":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var sent generated.SendResponse
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatal(err)
	}
	if !sent.Success {
		t.Error("expected success")
	}
	if _, err := fanout.ParseTimestamp(sent.Timestamp); err != nil {
		t.Errorf("unparseable timestamp %q: %v", sent.Timestamp, err)
	}

	select {
	case frame := <-viewer.frames:
		var msg fanout.MessageFrame
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Text != "hi there" || msg.DecryptFailed || msg.Seq != 1 {
			t.Errorf("unexpected frame %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("viewer received nothing")
	}
}

func TestSendPlainFlaggedAsDecryptFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	viewer := &captureViewer{frames: make(chan []byte, 4)}
	if err := env.relay.Broadcaster().Register(viewer); err != nil {
		t.Fatal(err)
	}
	<-viewer.frames

	if resp, body := env.post(t, "/api/send", `{"message":"plain"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	select {
	case frame := <-viewer.frames:
		var msg fanout.MessageFrame
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Text != "plain" || !msg.DecryptFailed {
			t.Errorf("unexpected frame %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("viewer received nothing")
	}
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{"missing message", `{"encrypt":true}`, "message required"},
		{"empty body", `{}`, "message required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.post(t, "/api/send", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
			}
			var e generated.ErrorResponse
			if err := json.Unmarshal(body, &e); err != nil {
				t.Fatal(err)
			}
			if e.Error != tt.wantError {
				t.Errorf("expected error %q, got %q", tt.wantError, e.Error)
			}
		})
	}

	// Schema violations are rejected before reaching the handler.
	resp, body := env.post(t, "/api/send", `{"message":5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-string message, got %d: %s", resp.StatusCode, body)
	}
}

func TestSendEmptyMessageAllowed(t *testing.T) {
	var called bool
	var got []byte
	env := newTestEnv(t, submitFunc(func(_ context.Context, _ string, payload []byte) (time.Time, error) {
		called, got = true, payload
		return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), nil
	}))

	resp, body := env.post(t, "/api/send", `{"message":""}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if !called || len(got) != 0 {
		t.Errorf("expected an empty payload to be submitted, got %q", got)
	}
	if !strings.Contains(string(body), `"timestamp":"2025-06-01T00:00:00.000Z"`) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestSendSubmitFailure(t *testing.T) {
	env := newTestEnv(t, submitFunc(func(context.Context, string, []byte) (time.Time, error) {
		return time.Time{}, errors.New("INSUFFICIENT_PAYER_BALANCE")
	}))

	resp, body := env.post(t, "/api/send", `{"message":"x"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", resp.StatusCode, body)
	}
	var e generated.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatal(err)
	}
	if e.Error != "submit failed" || e.Details == nil || *e.Details != "INSUFFICIENT_PAYER_BALANCE" {
		t.Errorf("unexpected error body %+v", e)
	}

	_, metricsBody := env.get(t, "/metrics")
	if !strings.Contains(string(metricsBody), `relay_submissions_total{result="error"} 1`) {
		t.Error("expected the failed submission to be counted")
	}
}

func TestSendMissingCommitTimeUsesNow(t *testing.T) {
	env := newTestEnv(t, submitFunc(func(context.Context, string, []byte) (time.Time, error) {
		return time.Time{}, nil
	}))

	_, body := env.post(t, "/api/send", `{"message":"x"}`)
	var sent generated.SendResponse
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Timestamp != "2025-01-02T03:04:05.000Z" {
		t.Errorf("expected the local clock time, got %q", sent.Timestamp)
	}
}

func TestGetHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	deadline := time.Now().Add(5 * time.Second)
	for env.relay.State() != subscription.StateSubscribed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp, body := env.get(t, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var h generated.HealthResponse
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != generated.Ok || h.Subscription != "subscribed" || h.TopicId != env.relay.TopicID() {
		t.Errorf("unexpected health %+v", h)
	}

	env.relay.Stop()
	resp, body = env.get(t, "/api/health")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != generated.Stopped {
		t.Errorf("expected stopped status, got %q", h.Status)
	}
}

func TestStrictHandlers(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := NewServer(env.relay, submitFunc(func(context.Context, string, []byte) (time.Time, error) {
		return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), nil
	}), env.clock, env.metrics, zap.NewNop())

	resp, err := srv.SendMessage(context.Background(), generated.SendMessageRequestObject{})
	if err != nil {
		t.Fatal(err)
	}
	if bad, ok := resp.(generated.SendMessage400JSONResponse); !ok || bad.Error != "message required" {
		t.Errorf("expected a 400 for a missing body, got %#v", resp)
	}

	msg, encrypt := "hi", true
	resp, err = srv.SendMessage(context.Background(), generated.SendMessageRequestObject{
		Body: &generated.SendMessageJSONRequestBody{Message: &msg, Encrypt: &encrypt},
	})
	if err != nil {
		t.Fatal(err)
	}
	sent, isSent := resp.(generated.SendMessage200JSONResponse)
	if !isSent || !sent.Success || sent.Timestamp != "2025-06-01T00:00:00.000Z" {
		t.Errorf("unexpected response %#v", resp)
	}

	info, err := srv.GetInfo(context.Background(), generated.GetInfoRequestObject{})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := info.(generated.GetInfo200JSONResponse); !ok || got.TopicId != env.relay.TopicID() {
		t.Errorf("unexpected info %#v", info)
	}
}

func TestEmbeddedSpecMatchesDocument(t *testing.T) {
	embedded, err := generated.GetSwagger()
	if err != nil {
		t.Fatalf("GetSwagger failed: %v", err)
	}
	doc, err := openapi3.NewLoader().LoadFromData(api.OpenAPISpec)
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"/api/info", "/api/send", "/api/health"} {
		if embedded.Paths.Find(p) == nil || doc.Paths.Find(p) == nil {
			t.Errorf("path %s missing from one of the documents", p)
		}
	}
	if embedded.Paths.Len() != doc.Paths.Len() {
		t.Errorf("generated code is stale: %d paths embedded, %d in openapi.yaml; run go generate", embedded.Paths.Len(), doc.Paths.Len())
	}
}

func TestOpenAPIRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, "/openapi.yaml")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "/api/send") {
		t.Errorf("unexpected /openapi.yaml response %d", resp.StatusCode)
	}
	if resp, _ := env.get(t, "/docs"); resp.StatusCode != http.StatusOK {
		t.Errorf("expected /docs to be served, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/api/send", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestMaskQuery(t *testing.T) {
	if got := maskQuery("token=secret"); got != "token=****" {
		t.Errorf("unexpected mask %q", got)
	}
	if got := maskQuery(""); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
