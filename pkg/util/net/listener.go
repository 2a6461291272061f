package net

import (
	"net"
	"time"

	pp "github.com/pires/go-proxyproto"
)

// Listen opens a TCP listener on addr. With proxyProtocol set, connections are
// expected to start with a PROXY v1/v2 header (e.g. behind an L4 load balancer)
// and RemoteAddr reports the original client.
func Listen(addr string, proxyProtocol bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if !proxyProtocol {
		return ln, nil
	}
	return &pp.Listener{Listener: ln, ReadHeaderTimeout: 10 * time.Second}, nil
}

// BuildProxyProtocolHeader renders a PROXY header for src->dst. version is "v1"
// or "v2" (default).
func BuildProxyProtocolHeader(srcAddr, dstAddr net.Addr, version string) ([]byte, error) {
	var v byte = 2
	if version == "v1" {
		v = 1
	}
	return pp.HeaderProxyFromAddrs(v, srcAddr, dstAddr).Format()
}
