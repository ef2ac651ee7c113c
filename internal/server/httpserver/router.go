package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/shardmesh-go/internal/telemetry/metric"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// API serves /v1 and the health endpoints.
	API http.Handler

	// Blobs, when set, is mounted under /blobs/. It does its own auth.
	Blobs http.Handler

	// Metrics serves /metrics and records request metrics. Nil disables both.
	Metrics *metric.Registry

	// TokenHash is the bearer token hash. Empty disables auth.
	TokenHash string

	// RateLimiter applies per-client limits to /v1 when set.
	RateLimiter *RateLimiter

	AllowList   []string
	CORSOrigins []string

	Logger *slog.Logger
}

// NewRouter mounts the API, metrics and blob routes behind their
// middleware chains.
func NewRouter(cfg *RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "http")

	mux := http.NewServeMux()

	open := Chain(cfg.API, Recover(log), RequestID())
	mux.Handle("GET /health", open)
	mux.Handle("GET /ready", open)
	mux.Handle("GET /version", open)

	api := []Middleware{
		Recover(log),
		RequestID(),
		CORS(cfg.CORSOrigins),
		NetworkACL(cfg.AllowList, log),
	}
	if cfg.RateLimiter != nil {
		api = append(api, cfg.RateLimiter.Middleware())
	}
	api = append(api, Auth(cfg.TokenHash), AccessLog(log))
	if cfg.Metrics != nil {
		// Innermost, so the API mux has set r.Pattern by the time it reads it.
		api = append(api, Metrics(cfg.Metrics))
	}
	mux.Handle("/v1/", Chain(cfg.API, api...))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", Chain(cfg.Metrics.Handler(),
			Recover(log),
			NetworkACL(cfg.AllowList, log),
			Auth(cfg.TokenHash),
		))
	}

	if cfg.Blobs != nil {
		mux.Handle("/blobs/", Chain(cfg.Blobs,
			Recover(log),
			RequestID(),
			NetworkACL(cfg.AllowList, log),
			AccessLog(log),
		))
	}
	return mux
}
