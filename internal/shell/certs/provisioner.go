// Package certs makes sure the TLS material a service needs exists before
// the service starts.
package certs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/artpar/stackd/internal/core/domain"
)

// Variables exposing the certificate paths to services.
const (
	VarCertFile = "STACK_TLS_CERT"
	VarKeyFile  = "STACK_TLS_KEY"
)

// Generator produces a PEM-encoded certificate and private key.
type Generator interface {
	Generate(subject domain.CertSubject) (certPEM, keyPEM []byte, err error)
}

// Provisioner ensures certificate files exist on disk.
type Provisioner struct {
	generator Generator
	logger    *slog.Logger
}

// NewProvisioner creates a provisioner. A nil generator selects the
// self-signed ECDSA generator.
func NewProvisioner(generator Generator, logger *slog.Logger) *Provisioner {
	if generator == nil {
		generator = SelfSigned{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		generator: generator,
		logger:    logger.With("component", "certs"),
	}
}

// Ensure makes the certificate available at cert.CertPath/KeyPath.
//
// Self-signed: key and certificate are generated only when either file is
// missing, so repeated calls never rotate material. Otherwise both files
// must already exist, or the result is a ConfigurationError.
func (p *Provisioner) Ensure(ctx context.Context, cert domain.Certificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	certOK, err := exists(cert.CertPath())
	if err != nil {
		return err
	}
	keyOK, err := exists(cert.KeyPath())
	if err != nil {
		return err
	}
	if certOK && keyOK {
		p.logger.Debug("certificate present", "path", cert.CertPath())
		return nil
	}

	if !cert.SelfSigned {
		return domain.NewConfigurationError("tls.cert_dir",
			fmt.Sprintf("expected %s and %s", cert.CertPath(), cert.KeyPath()), domain.ErrMissingCertificate)
	}

	certPEM, keyPEM, err := p.generator.Generate(cert.Subject)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}

	if err := os.MkdirAll(cert.Dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	if err := writeFileAtomic(cert.KeyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := writeFileAtomic(cert.CertPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	p.logger.Info("generated self-signed certificate",
		"path", cert.CertPath(),
		"common_name", cert.Subject.CommonName,
	)
	return nil
}

// Env returns the variables that point services at the certificate.
func Env(cert domain.Certificate) map[string]string {
	return map[string]string{
		VarCertFile: cert.CertPath(),
		VarKeyFile:  cert.KeyPath(),
	}
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
