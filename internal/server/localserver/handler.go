package localserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/yndnr/shardmesh-go/internal/infra/buildinfo"
)

// Admin is the set of node controls exposed on the socket.
type Admin struct {
	// Reload re-reads the configuration file.
	Reload func() error
	// Shutdown starts a graceful stop. It must not block.
	Shutdown func()
	// Config returns the running configuration with secrets masked.
	Config func() any
	// Started is when the node came up.
	Started time.Time
}

// NewHandler serves /admin/* from admin and everything else from api.
func NewHandler(api http.Handler, admin Admin) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", api)

	mux.HandleFunc("GET /admin/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"build":   buildinfo.Get(),
			"started": admin.Started.UTC().Format(time.RFC3339),
			"uptime":  time.Since(admin.Started).Round(time.Second).String(),
		})
	})
	mux.HandleFunc("GET /admin/config", func(w http.ResponseWriter, _ *http.Request) {
		if admin.Config == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "config not available"})
			return
		}
		writeJSON(w, http.StatusOK, admin.Config())
	})
	mux.HandleFunc("POST /admin/reload", func(w http.ResponseWriter, _ *http.Request) {
		if admin.Reload == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"message": "reload not supported"})
			return
		}
		if err := admin.Reload(); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "configuration reloaded"})
	})
	mux.HandleFunc("POST /admin/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		if admin.Shutdown == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"message": "shutdown not supported"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "shutting down"})
		admin.Shutdown()
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
