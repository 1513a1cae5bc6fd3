// Package main generates the Certificate Authority (CA), the server certificate
// and administrator client certificates used for mutual TLS with the fieldkeeper server.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const keyBits = 4096

func main() {
	dir := flag.String("dir", "certs", "output directory")
	host := flag.String("host", "localhost", "server host name")
	clients := flag.String("clients", "admin", "comma separated client common names")
	flag.Parse()

	if err := run(*dir, *host, strings.Split(*clients, ",")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Certificates generated into %s\n", *dir)
}

func run(dir, host string, clients []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// 1. CA certificate and key
	caCert, caKey, err := generateCA()
	if err != nil {
		return err
	}
	if err := writeCertAndKey(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"), caCert, caKey); err != nil {
		return err
	}

	// 2. Server certificate signed by the CA
	serverCert, serverKey, err := generateCert(host, caCert, caKey)
	if err != nil {
		return err
	}
	if err := writeCertAndKey(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"), serverCert, serverKey); err != nil {
		return err
	}

	// 3. One client certificate per common name; the CN is the caller identity.
	for _, cn := range clients {
		cn = strings.TrimSpace(cn)
		if cn == "" {
			continue
		}
		cert, key, err := generateCert(cn, caCert, caKey)
		if err != nil {
			return err
		}
		if err := writeCertAndKey(filepath.Join(dir, cn+".crt"), filepath.Join(dir, cn+".key"), cert, key); err != nil {
			return err
		}
	}
	return nil
}

// generateCA creates a self-signed CA certificate and its RSA private key.
// The CA is valid for 10 years and can sign other certificates.
func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	ca := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "fieldkeeper CA",
			Organization: []string{"fieldkeeper"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	caBytes, err := x509.CreateCertificate(rand.Reader, ca, ca, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(caBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	return cert, caKey, nil
}

// generateCert creates a certificate and RSA private key for cn signed by the CA.
// The certificate is valid for one year and carries cn as its DNS SAN; localhost
// also gets the loopback addresses.
func generateCert(cn string, ca *x509.Certificate, caKey *rsa.PrivateKey) (*x509.Certificate, *rsa.PrivateKey, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, fmt.Errorf("serial: %w", err)
	}
	certTmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{cn},
	}
	if cn == "localhost" {
		certTmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	privKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key for %s: %w", cn, err)
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, certTmpl, ca, &privKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate for %s: %w", cn, err)
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate for %s: %w", cn, err)
	}
	return cert, privKey, nil
}

// writeCertAndKey writes the certificate as a "CERTIFICATE" PEM block and the
// key as an "RSA PRIVATE KEY" PEM block readable only by the owner.
func writeCertAndKey(certPath, keyPath string, cert *x509.Certificate, key *rsa.PrivateKey) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", certPath, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", keyPath, err)
	}
	return nil
}
