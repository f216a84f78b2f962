// Package tlsutil loads the TLS material a protocol server needs to serve
// its secure scheme variant (https, wss, coaps) from PEM files on disk.
//
// There is no third-party certificate-handling library anywhere in this
// codebase's dependency stack; crypto/tls and crypto/x509 are the
// idiomatic, standard way to load a server certificate in Go and are used
// here directly.
package tlsutil

import (
	"crypto/tls"
	"fmt"
)

// LoadServerConfig loads a certificate/key pair in PEM format and returns a
// *tls.Config ready to pass to an http.Server, a websocket upgrader's
// underlying listener, or a CoAP DTLS listener.
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate %q / %q: %w", certFile, keyFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
