package mqtt

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
)

// NewTLSConfig builds the TLS configuration for ssl:// and wss:// brokers.
//
// CA certificates come from a PEM bundle or a PKCS#12 trust store, the
// client certificate from a PEM pair or a PKCS#12 key store. Files ending
// in .p12 or .pfx are read as PKCS#12.
//
// With VerifyHostname off the broker chain is still verified against the
// trusted roots; only the host name check is skipped.
//
// Parameters:
//   - cfg: TLS section of the MQTT config
//   - serverName: Broker host name used for SNI and verification
//
// Returns:
//   - *tls.Config: Ready for paho ClientOptions.SetTLSConfig
//   - error: ErrInvalidTLSConfig wrapping the cause
func NewTLSConfig(cfg config.MQTTTLSConfig, serverName string) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	switch cfg.MinVersion {
	case "", "1.2":
	case "1.3":
		tlsCfg.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("%w: unsupported min_version %q", ErrInvalidTLSConfig, cfg.MinVersion)
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile, cfg.CAPassword)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTLSConfig, err)
		}
		tlsCfg.RootCAs = pool
	}

	switch {
	case cfg.KeyStore != "":
		cert, err := loadKeyStore(cfg.KeyStore, cfg.KeyStorePassword)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTLSConfig, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: loading client certificate: %w", ErrInvalidTLSConfig, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if !cfg.VerifyHostname {
		roots := tlsCfg.RootCAs
		if roots == nil {
			system, err := x509.SystemCertPool()
			if err != nil {
				return nil, fmt.Errorf("%w: loading system roots: %w", ErrInvalidTLSConfig, err)
			}
			roots = system
		}
		tlsCfg.InsecureSkipVerify = true //nolint:gosec // chain verified in VerifyPeerCertificate
		tlsCfg.VerifyPeerCertificate = verifyChainOnly(roots)
	}

	return tlsCfg, nil
}

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	default:
		return false
	}
}

// loadCertPool reads CA certificates from a PEM bundle or PKCS#12 trust store.
func loadCertPool(path, password string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !isPKCS12(path) {
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", path)
		}
		return pool, nil
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("decoding trust store %s: %w", path, err)
	}
	added := 0
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing trust store certificate: %w", err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// loadKeyStore reads a client key and certificate chain from a PKCS#12 file.
func loadKeyStore(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading key store: %w", err)
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decoding key store %s: %w", path, err)
	}
	return keyPairFromBlocks(blocks)
}

// keyPairFromBlocks assembles a certificate from decoded key store blocks.
// The leaf is the certificate whose public key matches the private key;
// the remaining certificates follow it as the chain.
func keyPairFromBlocks(blocks []*pem.Block) (tls.Certificate, error) {
	var (
		key   crypto.Signer
		certs []*x509.Certificate
	)
	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("parsing certificate: %w", err)
			}
			certs = append(certs, cert)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if key != nil {
				return tls.Certificate{}, errors.New("key store holds more than one private key")
			}
			k, err := parsePrivateKey(block.Bytes)
			if err != nil {
				return tls.Certificate{}, err
			}
			key = k
		}
	}
	if key == nil {
		return tls.Certificate{}, errors.New("key store holds no private key")
	}

	type equaler interface{ Equal(crypto.PublicKey) bool }
	pub, ok := key.Public().(equaler)
	if !ok {
		return tls.Certificate{}, errors.New("unsupported private key type")
	}

	leafIdx := -1
	for i, cert := range certs {
		if pub.Equal(cert.PublicKey) {
			leafIdx = i
			break
		}
	}
	if leafIdx < 0 {
		return tls.Certificate{}, errors.New("key store holds no certificate for its private key")
	}

	out := tls.Certificate{PrivateKey: key, Leaf: certs[leafIdx]}
	out.Certificate = append(out.Certificate, certs[leafIdx].Raw)
	for i, cert := range certs {
		if i != leafIdx {
			out.Certificate = append(out.Certificate, cert.Raw)
		}
	}
	return out, nil
}

// parsePrivateKey accepts PKCS#1, PKCS#8 and SEC 1 encodings. Key stores
// label all of them "PRIVATE KEY".
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unrecognised private key encoding")
}

// verifyChainOnly verifies the presented chain against roots without
// checking the host name.
func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("mqtt: broker presented no certificate")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("mqtt: parsing broker certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return fmt.Errorf("mqtt: verifying broker certificate: %w", err)
		}
		return nil
	}
}
