package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

// ALPN protocol announced on meta QUIC connections.
const alpnMeta = "meshd-meta"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. QUIC only needs
// it for the transport handshake; peers authenticate through the meta
// protocol's pre-shared key.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshd-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// DevCertPEM returns the built-in certificate so operators can pin it.
func DevCertPEM() ([]byte, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnMeta},
	}, nil
}

// clientTLSConfig trusts caPath, then MESHD_DEVTLS_CA_PATH, then the built-in
// certificate.
func clientTLSConfig(insecure bool, caPath string) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnMeta},
		}, nil
	}
	if strings.TrimSpace(caPath) == "" {
		caPath = strings.TrimSpace(os.Getenv("MESHD_DEVTLS_CA_PATH"))
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		pemBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read dev tls ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.New("dev tls ca: no certificates found")
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{alpnMeta},
	}, nil
}
