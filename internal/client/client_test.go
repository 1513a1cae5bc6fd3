package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// helper: generate a self-signed CA cert and key
func generateCACert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	certTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, certTmpl, certTmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func writeFiles(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadClientCertificate(t *testing.T) {
	certPEM, keyPEM := generateCACert(t)
	dir := writeFiles(t, map[string][]byte{"client.crt": certPEM, "client.key": keyPEM, "ca.pem": certPEM})

	client, err := LoadClientCertificate(
		filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	tcfg := client.Transport.(*http.Transport).TLSClientConfig
	if len(tcfg.Certificates) != 1 {
		t.Errorf("expected 1 client certificate, got %d", len(tcfg.Certificates))
	}
	found := false
	for _, subj := range tcfg.RootCAs.Subjects() {
		if bytes.Contains(subj, []byte("Test CA")) {
			found = true
			break
		}
	}
	if !found {
		t.Error("CA certificate not found in RootCAs")
	}
}

func TestLoadClientCertificate_Errors(t *testing.T) {
	certPEM, keyPEM := generateCACert(t)
	dir := writeFiles(t, map[string][]byte{"client.crt": certPEM, "client.key": keyPEM, "bad.pem": []byte("invalid pem")})

	_, err := LoadClientCertificate(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "client.key"), filepath.Join(dir, "bad.pem"))
	if err == nil || !strings.Contains(err.Error(), "failed to load client cert/key") {
		t.Errorf("expected cert/key error, got %v", err)
	}

	_, err = LoadClientCertificate(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), filepath.Join(dir, "missing.pem"))
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected file not exist error, got %v", err)
	}

	_, err = LoadClientCertificate(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), filepath.Join(dir, "bad.pem"))
	if err == nil || !strings.Contains(err.Error(), "failed to parse CA cert") {
		t.Errorf("expected parse CA error, got %v", err)
	}
}

func TestDo_Success(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != FieldsPath || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":false,"message":"","newId":4}`))
	}))
	defer ts.Close()

	c := New(ts.Client(), ts.URL+"/", "session")
	resp, err := c.Do(context.Background(), "add_new_category", map[string]any{"label": "Servers", "position": "top"})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if resp.NewID != 4 {
		t.Errorf("NewID = %d; want 4", resp.NewID)
	}
	if got["type"] != "add_new_category" || got["key"] != "session" {
		t.Errorf("request body = %v", got)
	}
}

func TestDo_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":true,"message":"error_not_allowed_to"}`))
	}))
	defer ts.Close()

	resp, err := New(ts.Client(), ts.URL, "").Do(context.Background(), "delete", nil)
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("error = %v; want ErrAPI", err)
	}
	if resp == nil || resp.Message != "error_not_allowed_to" {
		t.Errorf("response = %+v", resp)
	}
}

func TestDo_NonJSONReply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no client certificate provided", http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := New(ts.Client(), ts.URL, "").Do(context.Background(), "loadFieldsList", nil)
	if err == nil || !strings.Contains(err.Error(), "server error (401): no client certificate provided") {
		t.Errorf("expected server error, got %v", err)
	}
}
