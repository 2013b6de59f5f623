package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lm-assist/backend/internal/executions"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	newReq := func(target string, headers map[string]string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return r
	}

	open := NewServer(nil, nil, "")
	if !open.authorize(newReq("/ws", nil)) {
		t.Error("empty token should leave the endpoint open")
	}

	s := NewServer(nil, nil, "secret")
	tests := []struct {
		name string
		req  *http.Request
		want bool
	}{
		{"no credentials", newReq("/ws", nil), false},
		{"query token", newReq("/ws?token=secret", nil), true},
		{"wrong query token", newReq("/ws?token=nope", nil), false},
		{"custom header", newReq("/ws", map[string]string{"X-LM-Assist-Token": "secret"}), true},
		{"bearer", newReq("/ws", map[string]string{"Authorization": "Bearer secret"}), true},
		{"wrong bearer", newReq("/ws", map[string]string{"Authorization": "Bearer nope"}), false},
		{"bare authorization", newReq("/ws", map[string]string{"Authorization": "secret"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.authorize(tt.req); got != tt.want {
				t.Errorf("authorize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	newReq := func(origin, host string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = host
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	t.Run("default policy", func(t *testing.T) {
		s := NewServer(nil, nil, "")
		tests := []struct {
			name   string
			origin string
			host   string
			want   bool
		}{
			{"no origin header", "", "example.com", true},
			{"same host", "http://example.com:8080", "example.com:8080", true},
			{"localhost", "http://localhost:3000", "example.com", true},
			{"loopback v4", "http://127.0.0.1:8080", "example.com", true},
			{"loopback v6", "http://[::1]:8080", "example.com", true},
			{"foreign host", "http://evil.example", "example.com", false},
			{"garbage origin", "://bad", "example.com", false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := s.checkOrigin(newReq(tt.origin, tt.host)); got != tt.want {
					t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
				}
			})
		}
	})

	t.Run("explicit allow list", func(t *testing.T) {
		s := NewServer(nil, []string{"http://dash.example:9000", " ", ""}, "")
		tests := []struct {
			name   string
			origin string
			want   bool
		}{
			{"listed origin", "http://dash.example:9000", true},
			{"listed host other scheme", "https://dash.example:9000", true},
			{"localhost not implied", "http://localhost:3000", false},
			{"foreign host", "http://evil.example", false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := s.checkOrigin(newReq(tt.origin, "example.com")); got != tt.want {
					t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
				}
			})
		}
	})
}

func TestServeWS(t *testing.T) {
	store := executions.New(executions.Options{})
	defer store.Close()

	b := NewBroadcaster(Options{Executions: store, Throttle: 10 * time.Millisecond})
	defer b.Stop()

	mux := http.NewServeMux()
	NewServer(b, nil, "tok").SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=tok"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap struct {
		Type    MessageType     `json:"type"`
		Seq     uint64          `json:"seq"`
		Payload SnapshotPayload `json:"payload"`
	}
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != MsgSnapshot {
		t.Fatalf("first frame = %s, want snapshot", snap.Type)
	}

	e, err := store.Start(executions.StartRequest{Prompt: "tail the logs"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.QueueExecution(executions.Notification{Type: executions.NotifyExecutionStart, Execution: e})

	var delta struct {
		Type    MessageType  `json:"type"`
		Seq     uint64       `json:"seq"`
		Payload DeltaPayload `json:"payload"`
	}
	if err := conn.ReadJSON(&delta); err != nil {
		t.Fatalf("read delta: %v", err)
	}
	if delta.Type != MsgDelta {
		t.Fatalf("second frame = %s, want delta", delta.Type)
	}
	if delta.Seq != snap.Seq+1 {
		t.Errorf("delta seq = %d, want %d", delta.Seq, snap.Seq+1)
	}
	if len(delta.Payload.Executions) != 1 || delta.Payload.Executions[0].Execution.ID != e.ID {
		t.Fatalf("delta executions = %+v", delta.Payload.Executions)
	}

	if got := b.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}
}

func TestServeWSUnauthorized(t *testing.T) {
	b := NewBroadcaster(Options{})
	defer b.Stop()

	mux := http.NewServeMux()
	NewServer(b, nil, "tok").SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}
}
