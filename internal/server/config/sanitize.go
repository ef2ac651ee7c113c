package config

import "strings"

// Sanitize returns a copy of cfg with secrets masked, for logging.
func Sanitize(cfg *NodeConfig) *NodeConfig {
	sanitized := *cfg
	sanitized.LAN.Seeds = append([]string(nil), cfg.LAN.Seeds...)
	sanitized.DHT.Seeds = append([]string(nil), cfg.DHT.Seeds...)
	sanitized.Server.HTTP.AllowList = append([]string(nil), cfg.Server.HTTP.AllowList...)
	sanitized.Server.HTTP.CORSOrigins = append([]string(nil), cfg.Server.HTTP.CORSOrigins...)

	if sanitized.Backend.Token != "" {
		sanitized.Backend.Token = maskSecret(sanitized.Backend.Token)
	}
	if sanitized.Server.HTTP.TokenHash != "" {
		sanitized.Server.HTTP.TokenHash = maskSecret(sanitized.Server.HTTP.TokenHash)
	}
	return &sanitized
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
