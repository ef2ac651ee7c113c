// Package httpserver serves the Storage API over HTTP or HTTPS.
//
// Routes:
//
//   - /v1/files, /v1/files/{addr}, /v1/files/{addr}/status
//   - /v1/recover
//   - /v1/allocations, /v1/allocations/{tier}
//   - /v1/sync, /v1/peers
//   - /health, /ready, /version (unauthenticated)
//   - /metrics (Prometheus)
//   - /blobs/{id} when the node also serves as a backend
//
// The /v1 chain is Recover, RequestID, CORS, NetworkACL, RateLimit,
// Auth, AccessLog, Metrics. Certificates are reloaded when their files
// change.
package httpserver
