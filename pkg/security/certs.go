package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSFiles names the cert/key/CA files used to secure a connection to an
// externally administered store cluster. Nebula does not issue or rotate
// node identities; it only loads what an operator already provisioned.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Empty reports whether no TLS files were configured at all, meaning the
// connection should be made in plaintext.
func (f TLSFiles) Empty() bool {
	return f.CertFile == "" && f.KeyFile == "" && f.CAFile == ""
}

// LoadClientTLSConfig builds a *tls.Config for a store client connection
// from the given files. CertFile/KeyFile are optional (server-only TLS
// verification); CAFile is optional (system root pool is used if absent).
func LoadClientTLSConfig(f TLSFiles) (*tls.Config, error) {
	if f.Empty() {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if f.CertFile != "" || f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if f.CAFile != "" {
		caPEM, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in %s", f.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
