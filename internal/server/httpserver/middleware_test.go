package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yndnr/shardmesh-go/internal/telemetry/logger"
	"github.com/yndnr/shardmesh-go/internal/telemetry/metric"
	"github.com/yndnr/shardmesh-go/pkg/token"
)

var quiet = slog.New(slog.DiscardHandler)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(okHandler(), mw("a"), mw("b"), mw("c")), httptest.NewRequest(http.MethodGet, "/", nil))
	if got := strings.Join(order, ""); got != "abc" {
		t.Errorf("order = %q, want abc", got)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	t.Run("Generated", func(t *testing.T) {
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
		if !strings.HasPrefix(seen, "req-") || rec.Header().Get("X-Request-ID") != seen {
			t.Errorf("id = %q header %q", seen, rec.Header().Get("X-Request-ID"))
		}
	})
	t.Run("FromClient", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "trace-7")
		serve(h, req)
		if seen != "trace-7" {
			t.Errorf("id = %q", seen)
		}
	})
	t.Run("OversizedReplaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("x", 100))
		serve(h, req)
		if !strings.HasPrefix(seen, "req-") {
			t.Errorf("id = %q", seen)
		}
	})
}

func TestAuth(t *testing.T) {
	tok, err := token.Generate()
	if err != nil {
		t.Fatal(err)
	}
	h := Auth(token.Hash(tok), "/v1/open")(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"Valid", "/v1/files", "Bearer " + tok, http.StatusOK},
		{"LowercaseScheme", "/v1/files", "bearer " + tok, http.StatusOK},
		{"Missing", "/v1/files", "", http.StatusUnauthorized},
		{"Wrong", "/v1/files", "Bearer smbt_wrong", http.StatusUnauthorized},
		{"Basic", "/v1/files", "Basic " + tok, http.StatusUnauthorized},
		{"Skipped", "/v1/open", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(h, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("X-Error-Code") != "SM-AUTH-4010" {
				t.Errorf("X-Error-Code = %q", rec.Header().Get("X-Error-Code"))
			}
		})
	}

	t.Run("Disabled", func(t *testing.T) {
		if rec := serve(Auth("")(okHandler()), httptest.NewRequest(http.MethodGet, "/v1/files", nil)); rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestRateLimit(t *testing.T) {
	l := NewRateLimiter(1, 3)
	h := l.Middleware()(okHandler())

	codes := make([]int, 0, 5)
	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/v1/files", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		codes = append(codes, serve(h, req).Code)
	}
	for i, c := range codes {
		want := http.StatusOK
		if i >= 3 {
			want = http.StatusTooManyRequests
		}
		if c != want {
			t.Errorf("request %d status = %d, want %d", i, c, want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/files", nil)
	req.RemoteAddr = "192.0.2.2:4000"
	if rec := serve(h, req); rec.Code != http.StatusOK {
		t.Errorf("other client limited: %d", rec.Code)
	}
	if l.Clients() != 2 {
		t.Errorf("Clients() = %d", l.Clients())
	}

	l.idle = -time.Second
	l.Sweep()
	if l.Clients() != 0 {
		t.Errorf("Clients() after sweep = %d", l.Clients())
	}
}

func TestRateLimitConcurrency(t *testing.T) {
	l := NewRateLimiter(0.001, 10)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("198.51.100.7") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 10 {
		t.Errorf("allowed = %d, want burst of 10", allowed.Load())
	}
}

func TestNetworkACL(t *testing.T) {
	h := NetworkACL([]string{"10.0.0.0/8", "192.0.2.7", "not-an-ip"}, quiet)(okHandler())
	tests := []struct {
		remote string
		xff    string
		want   int
	}{
		{"10.1.2.3:555", "", http.StatusOK},
		{"192.0.2.7:555", "", http.StatusOK},
		{"192.0.2.8:555", "", http.StatusForbidden},
		{"[::ffff:10.0.0.9]:555", "", http.StatusOK},
		{"203.0.113.1:555", "10.9.9.9", http.StatusOK},
		{"garbage", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/files", nil)
		req.RemoteAddr = tt.remote
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if rec := serve(h, req); rec.Code != tt.want {
			t.Errorf("%s (xff %q): status = %d, want %d", tt.remote, tt.xff, rec.Code, tt.want)
		}
	}

	if rec := serve(NetworkACL(nil, quiet)(okHandler()), httptest.NewRequest(http.MethodGet, "/", nil)); rec.Code != http.StatusOK {
		t.Errorf("empty allow list denied: %d", rec.Code)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(quiet)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || rec.Header().Get("X-Error-Code") != "SM-SYS-5000" {
		t.Errorf("status = %d code %q", rec.Code, rec.Header().Get("X-Error-Code"))
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	if rec := serve(h, req); rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Error("allowed origin not echoed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	if rec := serve(h, req); rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin allowed")
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	if rec := serve(h, req); rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
}

func TestAccessLogAndMetrics(t *testing.T) {
	var buf strings.Builder
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	reg := metric.NewRegistry()

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/files/{addr}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Chain(api, RequestID(), AccessLog(log), Metrics(reg))
	serve(h, httptest.NewRequest(http.MethodGet, "/v1/files/abc", nil))

	if !strings.Contains(buf.String(), `"status":404`) || !strings.Contains(buf.String(), "client error") {
		t.Errorf("access log = %s", buf.String())
	}

	out := serve(reg.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil)).Body.String()
	if !strings.Contains(out, `route="GET /v1/files/{addr}"`) || !strings.Contains(out, `status="404"`) {
		t.Errorf("request metric missing from:\n%s", grepLines(out, "shardmesh_requests_total"))
	}
}

func grepLines(s, substr string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"Remote", "192.0.2.1:1234", "", "", "192.0.2.1"},
		{"IPv6", "[2001:db8::1]:1234", "", "", "2001:db8::1"},
		{"ForwardedFirstHop", "192.0.2.1:1", "203.0.113.5, 10.0.0.1", "", "203.0.113.5"},
		{"RealIP", "192.0.2.1:1", "", "198.51.100.2", "198.51.100.2"},
		{"NoPort", "192.0.2.9", "", "", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
