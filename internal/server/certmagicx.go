package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caddyserver/certmagic"
	cloudflaredns "github.com/libdns/cloudflare"
	"golang.org/x/crypto/acme"

	"github.com/DragonSecurity/relay/pkg/config"
	"github.com/DragonSecurity/relay/pkg/util"
)

func acmeCAURL(which string) string {
	switch strings.ToLower(which) {
	case "staging":
		return certmagic.LetsEncryptStagingCA
	default:
		return certmagic.LetsEncryptProductionCA
	}
}

func dnsProvider(cfg config.ACMEConfig) (certmagic.DNSProvider, error) {
	switch strings.ToLower(cfg.DNSProvider) {
	case "cloudflare":
		token := strings.TrimSpace(cfg.CloudflareToken)
		if token == "" {
			token = os.Getenv("CLOUDFLARE_API_TOKEN")
		}
		if token == "" {
			return nil, errors.New("cloudflare token is empty (set acme.cloudflare_token or CLOUDFLARE_API_TOKEN)")
		}
		return &cloudflaredns.Provider{APIToken: token}, nil
	default:
		return nil, fmt.Errorf("unsupported acme.dns_provider %q", cfg.DNSProvider)
	}
}

// makeCertMagic obtains and renews the relay's certificate with a dns-01
// challenge, so the relay does not need :80 reachable.
func makeCertMagic(ctx context.Context, cfg config.ServerConfig, log *util.Logger) (*tls.Config, error) {
	if cfg.ACME.Email == "" {
		return nil, errors.New("acme.email is required for dns-01")
	}
	provider, err := dnsProvider(cfg.ACME)
	if err != nil {
		return nil, err
	}

	zl := log.Named("certmagic").Desugar()
	var magic *certmagic.Config
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) { return magic, nil },
		Logger:           zl,
	})
	magic = certmagic.New(cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: cfg.ACME.CacheDir},
		Logger:  zl,
	})
	issuer := certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
		CA:                      acmeCAURL(cfg.ACME.CA),
		Email:                   cfg.ACME.Email,
		Agreed:                  true,
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: true,
		DNS01Solver: &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{DNSProvider: provider},
		},
		Logger: zl,
	})
	magic.Issuers = []certmagic.Issuer{issuer}

	if err := magic.ManageAsync(ctx, []string{cfg.DomainBase}); err != nil {
		return nil, fmt.Errorf("manage certificate for %s: %w", cfg.DomainBase, err)
	}

	tlsConf := magic.TLSConfig()
	tlsConf.MinVersion = tls.VersionTLS12
	tlsConf.NextProtos = []string{"h2", "http/1.1", acme.ALPNProto}
	return tlsConf, nil
}
