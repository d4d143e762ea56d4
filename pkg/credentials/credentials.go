// Package credentials implements the Credential Loader: it turns a
// certificate/key/CA configuration (or a JWT-mode flag) into the
// tls.Certificate and x509.CertPool the Connection Factory needs.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/brineforge/apnsession/pkg/errors"
)

// Source describes where to load the client credential and trust store
// from. Exactly one of the path fields or the matching PEM field should be
// set per credential in certificate mode; in JWT mode all fields are
// ignored.
type Source struct {
	UseJWT bool

	CertPath string
	KeyPath  string
	CAPath   string

	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte
}

// Loaded is the credential material the Connection Factory presents
// during the TLS handshake.
type Loaded struct {
	// Certificates is empty in JWT mode.
	Certificates []tls.Certificate
	// RootCAs is nil in JWT mode, signaling "use the system trust
	// store".
	RootCAs *x509.CertPool
}

// Load resolves a Source into a Loaded credential set. In JWT mode it
// loads only the system trust store (RootCAs stays nil, letting crypto/tls
// fall back to it); in certificate mode it requires both a CA bundle and a
// cert+key pair and returns an error - never panics - on any failure, so
// the caller can decide whether to abort.
func Load(src Source) (Loaded, error) {
	if src.UseJWT {
		return Loaded{}, nil
	}

	caPEM, err := resolve(src.CAPath, src.CAPEM, "CA bundle")
	if err != nil {
		return Loaded{}, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return Loaded{}, errors.NewValidationError("CA bundle contains no usable certificates")
	}

	certPEM, err := resolve(src.CertPath, src.CertPEM, "client certificate")
	if err != nil {
		return Loaded{}, err
	}
	keyPEM, err := resolve(src.KeyPath, src.KeyPEM, "client key")
	if err != nil {
		return Loaded{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return Loaded{}, errors.NewValidationError("loading client credential: " + err.Error())
	}

	return Loaded{Certificates: []tls.Certificate{cert}, RootCAs: pool}, nil
}

// resolve returns pemBytes if set, otherwise reads path. Exactly one of
// the two is expected to be populated by the caller.
func resolve(path string, pemBytes []byte, what string) ([]byte, error) {
	if len(pemBytes) > 0 {
		return pemBytes, nil
	}
	if path == "" {
		return nil, errors.NewValidationError(what + " not configured: no path or PEM bytes given")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewValidationError("reading " + what + " from " + path + ": " + err.Error())
	}
	return b, nil
}

// Check reports whether Load would succeed for src, without returning the
// loaded credentials.
func Check(src Source) bool {
	_, err := Load(src)
	return err == nil
}
