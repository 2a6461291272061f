// Package config holds the settings for the relay server and the private agent.
// Values are decoded by viper from flags, RELAY_* env vars and the config file.
package config

import "time"

type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	CA   string `mapstructure:"ca"`
}

type ACMEConfig struct {
	Enable          bool   `mapstructure:"enable"`
	Email           string `mapstructure:"email"`
	CacheDir        string `mapstructure:"cache"`
	Challenge       string `mapstructure:"challenge"` // http-01 | dns-01
	CA              string `mapstructure:"ca"`        // production | staging
	DNSProvider     string `mapstructure:"dns_provider"`
	CloudflareToken string `mapstructure:"cloudflare_token"`
}

type ServerConfig struct {
	PublicAddr     string        `mapstructure:"public"`
	DomainBase     string        `mapstructure:"domain_base"`
	Endpoint       string        `mapstructure:"endpoint"`
	Tag            string        `mapstructure:"tag"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	ProxyProtocol  bool          `mapstructure:"proxy_protocol"`
	CORSOrigin     string        `mapstructure:"cors_origin"`
	TLS            TLSConfig     `mapstructure:"tls"`
	ACME           ACMEConfig    `mapstructure:"acme"`
}

type AgentConfig struct {
	ServerURL        string        `mapstructure:"server"`
	LocalTo          string        `mapstructure:"to"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	LocalTimeout     time.Duration `mapstructure:"local_timeout"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval"`
	Insecure         bool          `mapstructure:"insecure"`
	TLS              TLSConfig     `mapstructure:"tls"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PublicAddr:     ":8080",
		DomainBase:     "localhost",
		Endpoint:       "/mcp",
		Tag:            "default",
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   10 << 20,
		CORSOrigin:     "*",
		ACME: ACMEConfig{
			CacheDir:  "cert-cache",
			Challenge: "http-01",
			CA:        "production",
		},
	}
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerURL:        "http://localhost:8080",
		LocalTo:          "http://127.0.0.1:3000",
		PingInterval:     30 * time.Second,
		LocalTimeout:     25 * time.Second,
		MaxRetryInterval: 30 * time.Second,
	}
}
