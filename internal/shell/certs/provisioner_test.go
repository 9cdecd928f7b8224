package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type countingGenerator struct {
	calls int
	err   error
}

func (g *countingGenerator) Generate(subject domain.CertSubject) ([]byte, []byte, error) {
	g.calls++
	if g.err != nil {
		return nil, nil, g.err
	}
	return SelfSigned{}.Generate(subject)
}

func testCert(t *testing.T, selfSigned bool) domain.Certificate {
	t.Helper()
	return domain.Certificate{
		Subject: domain.CertSubject{
			Country:      "DE",
			State:        "Berlin",
			Location:     "Berlin",
			Organization: "ProductDB",
			CommonName:   "productdb.local",
		},
		SelfSigned: selfSigned,
		Dir:        filepath.Join(t.TempDir(), "productdb"),
	}
}

// =============================================================================
// Ensure Tests
// =============================================================================

func TestEnsure_GeneratesWhenAbsent(t *testing.T) {
	gen := &countingGenerator{}
	p := NewProvisioner(gen, nil)
	cert := testCert(t, true)

	require.NoError(t, p.Ensure(context.Background(), cert))
	assert.Equal(t, 1, gen.calls)

	_, err := tls.LoadX509KeyPair(cert.CertPath(), cert.KeyPath())
	require.NoError(t, err, "generated files form a valid key pair")

	info, err := os.Stat(cert.KeyPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsure_Idempotent(t *testing.T) {
	gen := &countingGenerator{}
	p := NewProvisioner(gen, nil)
	cert := testCert(t, true)

	require.NoError(t, p.Ensure(context.Background(), cert))
	first, err := os.ReadFile(cert.CertPath())
	require.NoError(t, err)

	require.NoError(t, p.Ensure(context.Background(), cert))
	second, err := os.ReadFile(cert.CertPath())
	require.NoError(t, err)

	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, first, second)
}

func TestEnsure_RegeneratesWhenKeyMissing(t *testing.T) {
	gen := &countingGenerator{}
	p := NewProvisioner(gen, nil)
	cert := testCert(t, true)

	require.NoError(t, p.Ensure(context.Background(), cert))
	require.NoError(t, os.Remove(cert.KeyPath()))
	require.NoError(t, p.Ensure(context.Background(), cert))
	assert.Equal(t, 2, gen.calls)
}

func TestEnsure_ProvidedMaterialMissing(t *testing.T) {
	gen := &countingGenerator{}
	p := NewProvisioner(gen, nil)
	cert := testCert(t, false)

	err := p.Ensure(context.Background(), cert)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingCertificate)
	assert.True(t, domain.IsConfigurationError(err))
	assert.Equal(t, 0, gen.calls)
}

func TestEnsure_ProvidedMaterialPresent(t *testing.T) {
	cert := testCert(t, false)
	certPEM, keyPEM, err := SelfSigned{}.Generate(cert.Subject)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cert.Dir, 0o700))
	require.NoError(t, os.WriteFile(cert.CertPath(), certPEM, 0o644))
	require.NoError(t, os.WriteFile(cert.KeyPath(), keyPEM, 0o600))

	gen := &countingGenerator{}
	require.NoError(t, NewProvisioner(gen, nil).Ensure(context.Background(), cert))
	assert.Equal(t, 0, gen.calls)
}

func TestEnsure_GeneratorFailure(t *testing.T) {
	gen := &countingGenerator{err: errors.New("entropy exhausted")}
	err := NewProvisioner(gen, nil).Ensure(context.Background(), testCert(t, true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy exhausted")
}

func TestEnsure_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewProvisioner(nil, nil).Ensure(ctx, testCert(t, true))
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// SelfSigned Tests
// =============================================================================

func TestSelfSigned_Subject(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	gen := SelfSigned{Validity: 24 * time.Hour, Now: func() time.Time { return now }}

	certPEM, _, err := gen.Generate(domain.CertSubject{Country: "DE", Organization: "ProductDB", CommonName: "productdb.local"})
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, "productdb.local", parsed.Subject.CommonName)
	assert.Equal(t, []string{"DE"}, parsed.Subject.Country)
	assert.Equal(t, []string{"ProductDB"}, parsed.Subject.Organization)
	assert.Equal(t, []string{"productdb.local"}, parsed.DNSNames)
	assert.Equal(t, now.Add(23*time.Hour+59*time.Minute), parsed.NotAfter.UTC())
}

func TestSelfSigned_IPCommonName(t *testing.T) {
	certPEM, _, err := SelfSigned{}.Generate(domain.CertSubject{CommonName: "127.0.0.1"})
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	require.Len(t, parsed.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", parsed.IPAddresses[0].String())
}

func TestEnv(t *testing.T) {
	cert := domain.Certificate{Dir: "/etc/stackd/certs/productdb"}
	assert.Equal(t, map[string]string{
		VarCertFile: "/etc/stackd/certs/productdb/server.crt",
		VarKeyFile:  "/etc/stackd/certs/productdb/server.key",
	}, Env(cert))
}
