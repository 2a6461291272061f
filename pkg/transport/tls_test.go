package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestSelfSignedHostAndIP(t *testing.T) {
	cert, err := SelfSigned("relay.example.com", time.Hour)
	assert.NilError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	assert.NilError(t, err)
	assert.DeepEqual(t, leaf.DNSNames, []string{"relay.example.com"})
	assert.Assert(t, leaf.NotAfter.Before(time.Now().Add(2*time.Hour)))

	cert, err = SelfSigned("127.0.0.1", time.Hour)
	assert.NilError(t, err)
	leaf, err = x509.ParseCertificate(cert.Certificate[0])
	assert.NilError(t, err)
	assert.Equal(t, len(leaf.IPAddresses), 1)
	assert.Equal(t, leaf.IPAddresses[0].String(), "127.0.0.1")
}

func TestServerAndClientConfigHandshake(t *testing.T) {
	dir := t.TempDir()
	cert, err := SelfSigned("localhost", time.Hour)
	assert.NilError(t, err)
	caPath := filepath.Join(dir, "ca.pem")
	assert.NilError(t, os.WriteFile(caPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))

	srvConf := &tls.Config{Certificates: []tls.Certificate{*cert}}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvConf)
	assert.NilError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_ = c.(*tls.Conn).Handshake()
		_ = c.Close()
	}()

	cliConf, err := NewClientTLSConfig("", "", caPath, "localhost", false)
	assert.NilError(t, err)
	c, err := tls.Dial("tcp", ln.Addr().String(), cliConf)
	assert.NilError(t, err)
	_ = c.Close()
}

func TestNewServerTLSConfigGeneratesCert(t *testing.T) {
	conf, err := NewServerTLSConfig("", "", "", "relay.local")
	assert.NilError(t, err)
	assert.Equal(t, len(conf.Certificates), 1)
	assert.Equal(t, conf.ClientAuth, tls.NoClientCert)
}

func TestNewCertPoolRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ca.pem")
	assert.NilError(t, os.WriteFile(p, []byte("nope"), 0o600))
	_, err := NewClientTLSConfig("", "", p, "x", false)
	assert.ErrorContains(t, err, "no certificates found")
}
