package watcher

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultServerName is the name the watcher's certificate is issued for.
const DefaultServerName = "localhost"

// Certs contains the TLS client and server certs and keys for configuring mTLS between the client and the watcher.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server KeyPair
	Client KeyPair
	CA     KeyPair
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
	}
	return cfg, nil
}

// LoadClientTLSConfig reads PEM files from disk and builds a client TLS config from them.
func LoadClientTLSConfig(caCertFile, certFile, keyFile string) (*tls.Config, error) {
	caCertPEM, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("reading client cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading client key: %w", err)
	}
	return ClientTLSConfig(caCertPEM, certPEM, keyPEM)
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	return cfg, nil
}

// KeyPair is a PEM-encoded certificate and its private key.
type KeyPair struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// issue creates a certificate from tmpl, signed by parent, or self-signed if parent is nil.
func issue(tmpl *x509.Certificate, parent *KeyPair) (KeyPair, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return KeyPair{}, fmt.Errorf("getting random serial number: %w", err)
	}
	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = time.Now().AddDate(1, 0, 0)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating key: %w", err)
	}

	signer, signerKey := tmpl, key
	if parent != nil {
		signer, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("creating cert for %q: %w", tmpl.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return KeyPair{}, fmt.Errorf("parsing issued cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}

	return KeyPair{
		CertPEMBytes: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEMBytes:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		cert:         cert,
		key:          key,
	}, nil
}

// GenerateCerts generates a self-signed CA along with a watcher cert and a client cert.
// The watcher cert is valid for DefaultServerName and the loopback addresses.
func GenerateCerts() (*Certs, error) {
	ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "WatchlinkCA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	server, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "watcher"},
		DNSNames:    []string{DefaultServerName},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, &ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	client, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: "watchlink"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, &ca)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{Server: server, Client: client, CA: ca}, nil
}

// ClientTLSConfig builds the client side of the mTLS config from the generated certs.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	return ClientTLSConfig(c.CA.CertPEMBytes, c.Client.CertPEMBytes, c.Client.KeyPEMBytes)
}

// ServerTLSConfig builds the watcher side of the mTLS config from the generated certs.
func (c *Certs) ServerTLSConfig() (*tls.Config, error) {
	return ServerTLSConfig(c.CA.CertPEMBytes, c.Server.CertPEMBytes, c.Server.KeyPEMBytes)
}

// WriteFiles writes the PEM files into dir. Private keys are written with 0600 permissions.
func (c *Certs) WriteFiles(dir string) error {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}
	files := []struct {
		name string
		b    []byte
		perm os.FileMode
	}{
		{"ca.pem", c.CA.CertPEMBytes, 0644},
		{"server.pem", c.Server.CertPEMBytes, 0644},
		{"server-key.pem", c.Server.KeyPEMBytes, 0600},
		{"client.pem", c.Client.CertPEMBytes, 0644},
		{"client-key.pem", c.Client.KeyPEMBytes, 0600},
	}
	for _, f := range files {
		err := os.WriteFile(filepath.Join(dir, f.name), f.b, f.perm)
		if err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}
