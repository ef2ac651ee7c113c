package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/engine"
)

// handleStoreFile handles POST /v1/files.
//
// The body is the raw file and may be empty. Optional query parameters
// threshold and total override the node's default sharing policy.
func (h *Handler) handleStoreFile(w http.ResponseWriter, r *http.Request) {
	opts, err := h.storeOptions(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	res, err := h.cfg.Engine.StoreFile(r.Context(), data, opts)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	m := res.Manifest
	w.Header().Set("Location", "/v1/files/"+res.Address.String())
	h.writeJSON(w, r, http.StatusCreated, StoreFileResponse{
		Address:        res.Address,
		Threshold:      int(m.Threshold),
		Total:          int(m.Total),
		NoRedundancy:   m.NoRedundancy,
		Placements:     m.Placements,
		Degraded:       res.Degraded,
		ReplicaPending: res.ReplicaPending,
	})
}

func (h *Handler) storeOptions(r *http.Request) (engine.StoreOptions, error) {
	opts := h.cfg.Defaults
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"threshold", &opts.Threshold}, {"total", &opts.Total}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 255 {
			return opts, domain.ErrInvalidPolicy.WithDetails(p.name + " must be an integer in [0,255]")
		}
		*p.dst = n
	}
	return opts, nil
}

// handleRetrieveFile handles GET /v1/files/{addr}.
func (h *Handler) handleRetrieveFile(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	data, err := h.cfg.Engine.RetrieveFile(r.Context(), addr)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeBlob(w, addr, data)
}

// handleFileStatus handles GET /v1/files/{addr}/status.
func (h *Handler) handleFileStatus(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	st, err := h.cfg.Engine.Status(r.Context(), addr)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, st)
}

// handleListFiles handles GET /v1/files.
func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.cfg.Engine.Files(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	resp := ListFilesResponse{Files: make([]FileSummary, 0, len(manifests))}
	for _, m := range manifests {
		resp.Files = append(resp.Files, FileSummary{
			Address:      m.FileID,
			Size:         m.Size,
			Threshold:    int(m.Threshold),
			Total:        int(m.Total),
			NoRedundancy: m.NoRedundancy,
			Placements:   len(m.Placements),
			CreatedAt:    m.CreatedAt,
		})
	}
	resp.Total = len(resp.Files)
	h.writeJSON(w, r, http.StatusOK, resp)
}

// handleRecover handles POST /v1/recover. The recovered file is returned
// as the response body.
func (h *Handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		h.handleServiceError(w, r, domain.ErrInvalidArgument.WithDetails("invalid request body"))
		return
	}
	if req.Address.IsZero() || len(req.UserSecret) == 0 {
		h.handleServiceError(w, r, domain.ErrInvalidArgument.WithDetails("address and user_secret are required"))
		return
	}
	data, err := h.cfg.Engine.Recover(r.Context(), req.UserSecret, req.AuxFactor, req.Address)
	clear(req.UserSecret)
	clear(req.AuxFactor)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.writeBlob(w, req.Address, data)
}
