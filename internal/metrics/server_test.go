package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"autogram/pkg/logx"
)

func waitForAddr(ctx context.Context, srv *Server) (string, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr := srv.Addr(); addr != "" {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func httpGet(t *testing.T, url, bearer string) (int, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func startTestServer(t *testing.T, cfg ServerConfig, m *Metrics) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg, m, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	srv.Start(ctx)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	addr, err := waitForAddr(ctx, srv)
	if err != nil {
		t.Fatalf("server never bound: %v", err)
	}
	return srv, addr
}

func TestServerServesHealthAndMetrics(t *testing.T) {
	m := New()
	m.Enqueued("like")

	_, addr := startTestServer(t, ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, m)

	if code, body := httpGet(t, "http://"+addr+"/healthz", ""); code != 200 || body != "ok" {
		t.Fatalf("healthz = %d %q, want 200 ok", code, body)
	}
	code, body := httpGet(t, "http://"+addr+"/metrics", "")
	if code != 200 {
		t.Fatalf("metrics = %d, want 200", code)
	}
	if !strings.Contains(body, `autogram_activities_enqueued_total{type="like"} 1`) {
		t.Fatal("metrics body missing the enqueued counter")
	}
	if code, _ := httpGet(t, "http://"+addr+"/debug/pprof/", ""); code != 200 {
		t.Fatalf("pprof index = %d, want 200", code)
	}
}

func TestServerTokenGuardsEveryEndpoint(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "sekrit"}, New())

	for _, path := range []string{"/healthz", "/metrics", "/debug/pprof/"} {
		if code, _ := httpGet(t, "http://"+addr+path, ""); code != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d, want 401", path, code)
		}
	}
	if code, _ := httpGet(t, "http://"+addr+"/healthz", "sekrit"); code != 200 {
		t.Fatalf("bearer auth = %d, want 200", code)
	}
	if code, _ := httpGet(t, "http://"+addr+"/healthz?token=sekrit", ""); code != 200 {
		t.Fatalf("query auth = %d, want 200", code)
	}
	if code, _ := httpGet(t, "http://"+addr+"/healthz?token=wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong query token = %d, want 401", code)
	}
	if code, _ := httpGet(t, "http://"+addr+"/healthz", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong bearer = %d, want 401", code)
	}
}

func TestServerReconfigureStopsAndRestarts(t *testing.T) {
	srv, addr := startTestServer(t, ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, New())

	if code, _ := httpGet(t, "http://"+addr+"/healthz", ""); code != 200 {
		t.Fatalf("healthz = %d, want 200 while enabled", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Reconfigure(ctx, ServerConfig{Enabled: false})
	if got := srv.Addr(); got != "" {
		t.Fatalf("Addr = %q after disable, want empty", got)
	}

	srv.Reconfigure(ctx, ServerConfig{Enabled: true, Addr: "127.0.0.1:0"})
	addr2, err := waitForAddr(ctx, srv)
	if err != nil {
		t.Fatalf("server did not come back: %v", err)
	}
	if code, _ := httpGet(t, "http://"+addr2+"/healthz", ""); code != 200 {
		t.Fatalf("healthz = %d, want 200 after re-enable", code)
	}
}

func TestServeOnceRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	err := srv.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v, want insecure-bind refusal", err)
	}

	// A token makes a wide bind acceptable, as does an explicit override.
	for _, cfg := range []ServerConfig{
		{Enabled: true, Addr: "0.0.0.0:0", Token: "sekrit"},
		{Enabled: true, Addr: "0.0.0.0:0", AllowInsecure: true},
	} {
		s := NewServer(cfg, nil, logx.Nop())
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		done := make(chan error, 1)
		go func() { done <- s.serveOnce(ctx) }()
		if _, err := waitForAddr(ctx, s); err != nil {
			cancel()
			t.Fatalf("bind with cfg %+v never came up: %v", cfg, err)
		}
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Fatalf("serveOnce after cancel = %v, want context.Canceled", err)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9091", true},
		{"localhost:9091", true},
		{"[::1]:9091", true},
		{"0.0.0.0:9091", false},
		{":9091", false},
		{"192.168.1.5:9091", false},
		{"metrics.internal:9091", false},
		{"no-port", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
