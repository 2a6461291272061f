package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/relay/internal/server"
	"github.com/DragonSecurity/relay/pkg/config"
	"github.com/DragonSecurity/relay/pkg/util"
)

func init() {
	d := config.DefaultServerConfig()
	serverCmd.Flags().String("public", d.PublicAddr, "public address")
	serverCmd.Flags().String("domain-base", d.DomainBase, "public host name of the relay")
	serverCmd.Flags().String("endpoint", d.Endpoint, "path forwarded through the tunnel")
	serverCmd.Flags().String("tag", d.Tag, "tunnel identity used to re-adopt open connections")
	serverCmd.Flags().Duration("request-timeout", d.RequestTimeout, "how long a forwarded request waits for the agent")
	serverCmd.Flags().Int64("max-body-bytes", d.MaxBodyBytes, "largest accepted request body")
	serverCmd.Flags().Bool("proxy-protocol", false, "expect PROXY protocol headers on accepted connections")
	serverCmd.Flags().String("cors-origin", d.CORSOrigin, "Access-Control-Allow-Origin value")
	serverCmd.Flags().String("tls-cert", "", "TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "TLS key file")
	serverCmd.Flags().String("tls-ca", "", "CA file for client certificate verification")
	serverCmd.Flags().Bool("acme", false, "enable Let's Encrypt")
	serverCmd.Flags().String("acme-email", "", "ACME email")
	serverCmd.Flags().String("acme-cache", d.ACME.CacheDir, "ACME cache dir")
	serverCmd.Flags().String("acme-challenge", d.ACME.Challenge, "http-01 or dns-01")
	serverCmd.Flags().String("acme-ca", d.ACME.CA, "production or staging")
	serverCmd.Flags().String("acme-dns-provider", "", "DNS provider for dns-01 (cloudflare)")

	for key, flag := range map[string]string{
		"server.public":            "public",
		"server.domain_base":       "domain-base",
		"server.endpoint":          "endpoint",
		"server.tag":               "tag",
		"server.request_timeout":   "request-timeout",
		"server.max_body_bytes":    "max-body-bytes",
		"server.proxy_protocol":    "proxy-protocol",
		"server.cors_origin":       "cors-origin",
		"server.tls.cert":          "tls-cert",
		"server.tls.key":           "tls-key",
		"server.tls.ca":            "tls-ca",
		"server.acme.enable":       "acme",
		"server.acme.email":        "acme-email",
		"server.acme.cache":        "acme-cache",
		"server.acme.challenge":    "acme-challenge",
		"server.acme.ca":           "acme-ca",
		"server.acme.dns_provider": "acme-dns-provider",
	} {
		_ = viper.BindPFlag(key, serverCmd.Flags().Lookup(flag))
	}
	// No flag for the token; config file or env only.
	_ = viper.BindEnv("server.acme.cloudflare_token", "RELAY_SERVER_ACME_CLOUDFLARE_TOKEN")

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run the public relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := serverConfig(viper.GetViper())
		if err != nil {
			return err
		}

		log := util.NewLogger("server")
		log.Infof("boot: base=%s public=%s endpoint=%s timeout=%s acme=%v/%s tls=%v proxy_protocol=%v",
			cfg.DomainBase, cfg.PublicAddr, cfg.Endpoint, cfg.RequestTimeout, cfg.ACME.Enable, cfg.ACME.Challenge,
			cfg.TLS.Cert != "", cfg.ProxyProtocol)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return server.Run(ctx, cfg, log)
	},
}

// serverConfig decodes and validates the server section, filling unset keys
// from the defaults.
func serverConfig(v *viper.Viper) (config.ServerConfig, error) {
	rc := rootCfg{Server: config.DefaultServerConfig()}
	if err := v.Unmarshal(&rc); err != nil {
		return config.ServerConfig{}, fmt.Errorf("config decode: %w", err)
	}
	cfg := rc.Server
	if cfg.ACME.Enable && cfg.PublicAddr == ":8080" {
		cfg.PublicAddr = ":443"
	}
	if err := config.ValidateServerConfig(&cfg); err != nil {
		return config.ServerConfig{}, err
	}
	return cfg, nil
}
