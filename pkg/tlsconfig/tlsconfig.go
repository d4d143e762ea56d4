// Package tlsconfig builds the crypto/tls.Config the Connection Factory
// hands to each new APNs connection.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
)

// SSL/TLS protocol versions, re-exported for readability at call sites.
const (
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile pins a min/max TLS version range.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileAPNsHistorical pins TLS 1.2 only. This matches the behavior
	// the library has historically relied on; widen to ProfileAPNsModern
	// only after verifying ALPN negotiation on TLS 1.3.
	ProfileAPNsHistorical = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS12,
		Description: "TLS 1.2 only - matches historically observed APNs behavior",
	}

	// ProfileAPNsModern allows TLS 1.2 through 1.3, for callers who have
	// verified their HTTP/2 stack negotiates ALPN h2 correctly on 1.3.
	ProfileAPNsModern = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+ - modern APNs endpoints, requires ALPN h2",
	}
)

// CipherSuitesSecure lists the strong (ECDHE + AEAD) TLS 1.2 cipher suites
// this library restricts itself to in certificate and JWT mode alike.
var CipherSuitesSecure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// Params configures Build.
type Params struct {
	Profile VersionProfile
	SNI     string
	// DisableSNI suppresses the ServerName extension entirely, per the
	// Connection Factory's "SNI enabled ... max-fragment-length disabled"
	// requirement being explicit, opt-out configuration.
	DisableSNI bool
	// Certificates is the client credential to present in certificate
	// mode. Empty in JWT mode.
	Certificates []tls.Certificate
	// RootCAs is the trust store: the caller-configured CA bundle in
	// certificate mode, or nil to fall back to the system trust store in
	// JWT mode.
	RootCAs *x509.CertPool
}

// Build constructs the *tls.Config for a new APNs connection. Session
// resumption is turned off explicitly with SessionTicketsDisabled. The
// max-fragment-length extension (RFC 6066) and TLS 1.3 early data need no
// setting here: crypto/tls does not implement either on the client side.
func Build(p Params) *tls.Config {
	cfg := &tls.Config{
		MinVersion:         p.Profile.Min,
		MaxVersion:         p.Profile.Max,
		CipherSuites:       CipherSuitesSecure,
		NextProtos:         []string{"h2"},
		Certificates:       p.Certificates,
		RootCAs:            p.RootCAs,
		SessionTicketsDisabled: true,
	}
	if !p.DisableSNI && p.SNI != "" {
		cfg.ServerName = p.SNI
	}
	return cfg
}
