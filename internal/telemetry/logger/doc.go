// Package logger builds the node's slog logger.
//
// Output is JSON by default. Attributes that carry secrets are redacted on
// the way out: bearer tokens keep their prefix and a short hint, values
// under secret-sounding keys are replaced entirely. The level can be changed
// at runtime with SetLevel, which the node does on config reload.
//
// Loggers travel in contexts together with the request id assigned by the
// Storage API.
package logger
