// Package token generates and checks the bearer tokens that guard the
// backend blob endpoint and the Storage API.
//
// A token is "smbt_" followed by 43 characters of base64url (32 random
// bytes). Servers may keep only the BLAKE2b-256 hash of a token; Verify
// compares in constant time.
package token
