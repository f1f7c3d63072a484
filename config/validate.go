package config

import (
	"fmt"
	"strings"
)

// MaxCommitRetriesLimit caps the retry bound so a misconfiguration cannot turn
// a conflict storm into an unbounded loop.
var MaxCommitRetriesLimit = 1024

// Validate rejects configurations the market cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Instance(); err != nil {
		return err
	}
	token := strings.TrimSpace(c.EscrowToken)
	if token == "" {
		return fmt.Errorf("escrow token must not be empty")
	}
	if strings.ContainsAny(token, " \t\n") {
		return fmt.Errorf("escrow token %q must not contain whitespace", token)
	}
	if c.MaxCommitRetries <= 0 || c.MaxCommitRetries > MaxCommitRetriesLimit {
		return fmt.Errorf("max commit retries must be within 1..%d", MaxCommitRetriesLimit)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: hmac secret required when enabled")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit: values must not be negative")
	}
	return nil
}
