package handler

import (
	"time"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// Response is the standard API response envelope.
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// StoreFileResponse is the body of a successful POST /v1/files.
type StoreFileResponse struct {
	Address        domain.ContentAddress `json:"address"`
	Threshold      int                   `json:"threshold"`
	Total          int                   `json:"total"`
	NoRedundancy   bool                  `json:"no_redundancy,omitempty"`
	Placements     []domain.Placement    `json:"placements"`
	Degraded       bool                  `json:"degraded,omitempty"`
	ReplicaPending bool                  `json:"replica_pending,omitempty"`
}

// FileSummary is one entry of GET /v1/files.
type FileSummary struct {
	Address      domain.ContentAddress `json:"address"`
	Size         int64                 `json:"size"`
	Threshold    int                   `json:"threshold"`
	Total        int                   `json:"total"`
	NoRedundancy bool                  `json:"no_redundancy,omitempty"`
	Placements   int                   `json:"placements"`
	CreatedAt    time.Time             `json:"created_at"`
}

// ListFilesResponse is the body of GET /v1/files.
type ListFilesResponse struct {
	Files []FileSummary `json:"files"`
	Total int           `json:"total"`
}

// RecoverRequest is the body of POST /v1/recover. Secrets are base64 in
// JSON.
type RecoverRequest struct {
	Address    domain.ContentAddress `json:"address"`
	UserSecret []byte                `json:"user_secret"`
	AuxFactor  []byte                `json:"aux_factor,omitempty"`
}

// SetAllocationRequest is the body of PUT /v1/allocations/{tier}.
type SetAllocationRequest struct {
	Bytes int64 `json:"bytes"`
}

// PeerView is one entry of GET /v1/peers.
type PeerView struct {
	NodeID       string                 `json:"node_id"`
	Role         domain.Role            `json:"role"`
	State        domain.LivenessState   `json:"state"`
	Capacity     int64                  `json:"advertised_capacity_bytes"`
	Battery      domain.BatteryState    `json:"battery"`
	ReachableVia []domain.TransportKind `json:"reachable_via"`
	LastSeen     time.Time              `json:"last_seen"`
}

// HealthResponse is the body of GET /health and GET /ready.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
	Error  string `json:"error,omitempty"`
}
