package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Disabled(t *testing.T) {
	cfg, err := Setup(Options{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetup_AutoGenerateInDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(Options{Enabled: true, Dir: dir, AutoGenerate: true, AutoGen: AutoGen{ValidDays: 1}})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}
	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestSetup_MissingCertsWithoutAutoGenerate(t *testing.T) {
	_, err := Setup(Options{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = Setup(Options{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(Options{Enabled: true, CertFile: "/nope/cert", KeyFile: "/nope/key"})
	assert.Error(t, err)
}

func TestSetup_Versions(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(Options{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2", MaxVersion: "TLS1.3"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)

	_, err = Setup(Options{Enabled: true, Dir: dir, MinVersion: "1.1"})
	assert.Error(t, err)

	_, err = Setup(Options{Enabled: true, Dir: dir, MinVersion: "1.3", MaxVersion: "1.2"})
	assert.Error(t, err)
}

func TestSelfSigned_ServesHTTPS(t *testing.T) {
	dir := t.TempDir()
	cfg, err := SelfSigned(dir)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = cfg
	srv.StartTLS()
	defer srv.Close()

	caPEM, err := os.ReadFile(filepath.Join(dir, tlsCaCrt))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS13}}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
