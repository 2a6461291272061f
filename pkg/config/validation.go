package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
)

var (
	SupportedChallenges   = []string{"http-01", "dns-01"}
	SupportedDNSProviders = []string{"cloudflare"}
	SupportedACMECAs      = []string{"production", "staging"}
	SupportedURLSchemes   = []string{"http", "https", "ws", "wss"}
)

func ValidateServerConfig(c *ServerConfig) error {
	var errs []error
	if strings.TrimSpace(c.PublicAddr) == "" {
		errs = append(errs, errors.New("server.public must be set"))
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		errs = append(errs, fmt.Errorf("server.endpoint must start with '/', got %q", c.Endpoint))
	}
	if strings.TrimSpace(c.Tag) == "" {
		errs = append(errs, errors.New("server.tag must be set"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be positive, got %d", c.MaxBodyBytes))
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("server.tls.cert and server.tls.key must be set together"))
	}
	if c.ACME.Enable {
		errs = append(errs, validateACME(c)...)
	}
	return errors.Join(errs...)
}

func validateACME(c *ServerConfig) []error {
	var errs []error
	if c.TLS.Cert != "" {
		errs = append(errs, errors.New("server.acme and server.tls.cert are mutually exclusive"))
	}
	if c.DomainBase == "" || c.DomainBase == "localhost" {
		errs = append(errs, errors.New("server.domain_base must be a public name when acme is enabled"))
	}
	if !lo.Contains(SupportedChallenges, strings.ToLower(c.ACME.Challenge)) {
		errs = append(errs, fmt.Errorf("invalid acme challenge %q, optional values are %v", c.ACME.Challenge, SupportedChallenges))
	}
	if !lo.Contains(SupportedACMECAs, strings.ToLower(c.ACME.CA)) {
		errs = append(errs, fmt.Errorf("invalid acme ca %q, optional values are %v", c.ACME.CA, SupportedACMECAs))
	}
	if strings.EqualFold(c.ACME.Challenge, "dns-01") {
		if c.ACME.Email == "" {
			errs = append(errs, errors.New("server.acme.email is required for dns-01"))
		}
		if !lo.Contains(SupportedDNSProviders, strings.ToLower(c.ACME.DNSProvider)) {
			errs = append(errs, fmt.Errorf("invalid acme dns_provider %q, optional values are %v", c.ACME.DNSProvider, SupportedDNSProviders))
		}
	}
	return errs
}

func ValidateAgentConfig(c *AgentConfig) error {
	var errs []error
	errs = append(errs, validateURL("agent.server", c.ServerURL))
	errs = append(errs, validateURL("agent.to", c.LocalTo))
	durations := map[string]time.Duration{
		"agent.ping_interval":      c.PingInterval,
		"agent.local_timeout":      c.LocalTimeout,
		"agent.max_retry_interval": c.MaxRetryInterval,
	}
	bad := lo.PickBy(durations, func(_ string, d time.Duration) bool { return d <= 0 })
	for k := range bad {
		errs = append(errs, fmt.Errorf("%s must be positive", k))
	}
	return errors.Join(errs...)
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if !lo.Contains(SupportedURLSchemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s must be an absolute %v URL, got %q", key, SupportedURLSchemes, raw)
	}
	return nil
}
