package config

import "fmt"

// MinAuthTokenLengthProduction is the minimum byte length required of
// TERMGATE_AUTH_TOKEN when ENVIRONMENT=production and auth is enabled.
const MinAuthTokenLengthProduction = 20

// ValidateSecrets fails closed: a production deployment with auth enabled
// but a weak shared secret must never start accepting connections.
func ValidateSecrets(cfg *Config) error {
	if cfg.Environment != "production" {
		return nil
	}
	if !cfg.AuthEnabled() {
		return nil
	}
	if len(cfg.AuthToken) < MinAuthTokenLengthProduction {
		return fmt.Errorf("config: TERMGATE_AUTH_TOKEN must be at least %d bytes in production, got %d", MinAuthTokenLengthProduction, len(cfg.AuthToken))
	}
	if cfg.TLSEnabled && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return fmt.Errorf("config: TERMGATE_TLS_ENABLED requires both TERMGATE_TLS_CERT and TERMGATE_TLS_KEY")
	}
	return nil
}
