package session

import (
	"errors"
	"strings"
	"time"

	"github.com/TailGuy/opcbridge/internal/backoff"
)

// Config captures the runtime details required to open and keep an OPC UA
// session.
type Config struct {
	Endpoint          string
	Username          string
	Password          string
	SecurityMode      string
	SecurityPolicy    string
	ApplicationName   string
	PublishInterval   time.Duration
	ReconcileInterval time.Duration
	Reconnect         backoff.Config
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "opcbridge"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.Reconnect == (backoff.Config{}) {
		c.Reconnect = backoff.Default()
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	return nil
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}
