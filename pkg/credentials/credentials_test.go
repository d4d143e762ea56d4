package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func TestLoadJWTModeSkipsFiles(t *testing.T) {
	loaded, err := Load(Source{UseJWT: true})
	require.NoError(t, err)
	assert.Empty(t, loaded.Certificates)
	assert.Nil(t, loaded.RootCAs)
}

func TestLoadCertModeMissingCARejected(t *testing.T) {
	_, certPEM, keyPEM := selfSignedCert(t)
	_, err := Load(Source{CertPEM: certPEM, KeyPEM: keyPEM})
	assert.Error(t, err)
}

func TestLoadCertModeSucceedsWithPEM(t *testing.T) {
	caPEM, certPEM, keyPEM := selfSignedCert(t)
	loaded, err := Load(Source{CAPEM: caPEM, CertPEM: certPEM, KeyPEM: keyPEM})
	require.NoError(t, err)
	assert.Len(t, loaded.Certificates, 1)
	require.NotNil(t, loaded.RootCAs)
}

func TestCheckReflectsLoadResult(t *testing.T) {
	assert.True(t, Check(Source{UseJWT: true}))
	assert.False(t, Check(Source{}))
}

func selfSignedCert(t *testing.T) (caPEM, certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "apnsession-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certBlock := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	certPEM = pem.EncodeToMemory(certBlock)
	caPEM = certPEM

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return caPEM, certPEM, keyPEM
}
