// Package handler implements the Storage API endpoints.
//
// Every JSON response uses the Response envelope. File contents travel as
// application/octet-stream in both directions. Errors carry the domain
// error code in the envelope and in the X-Error-Code header; the HTTP
// status is taken from the code's numeric suffix.
package handler
