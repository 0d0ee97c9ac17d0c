package debug

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	logx "snspilot/pkg/logx"
)

func startServer(t *testing.T, cfg Config, status map[string]StatusFunc) *Server {
	t.Helper()
	s := New(cfg, status, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func baseURL(t *testing.T, s *Server) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		t.Fatalf("server has no listener")
	}
	return "http://" + s.ln.Addr().String()
}

func TestHealthAndStatus(t *testing.T) {
	s := startServer(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, map[string]StatusFunc{
		"dispatch": func(context.Context) any {
			return map[string]int{"cycles": 7}
		},
	})
	base := baseURL(t, s)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/statusz")
	if err != nil {
		t.Fatalf("statusz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("statusz not JSON: %v\n%s", err, body)
	}
	if _, ok := doc["dispatch"]; !ok {
		t.Fatalf("statusz missing dispatch section: %s", body)
	}
	if _, ok := doc["now"]; !ok {
		t.Fatalf("statusz missing timestamp: %s", body)
	}
}

func TestTokenGuard(t *testing.T) {
	s := startServer(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, nil)
	base := baseURL(t, s)

	resp, err := http.Get(base + "/statusz")
	if err != nil {
		t.Fatalf("statusz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/statusz?token=s3cret")
	if err != nil {
		t.Fatalf("statusz with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query-token request status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/statusz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("statusz with bearer: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer request status = %d", resp.StatusCode)
	}
}

func TestNonLoopbackRequiresToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.Start(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Stop(ctx)
		cancel()
		t.Fatalf("non-loopback bind without token must be refused")
	}
}

func TestDisabledServerDoesNotBind(t *testing.T) {
	s := New(Config{Enabled: false, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start on disabled server: %v", err)
	}
	s.mu.Lock()
	bound := s.ln != nil
	s.mu.Unlock()
	if bound {
		t.Fatalf("disabled server bound a listener")
	}
}
