package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Options configures TLS for the control API listener.
type Options struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	CertFile     string  `json:"cert_file" mapstructure:"cert_file"`
	KeyFile      string  `json:"key_file" mapstructure:"key_file"`
	Dir          string  `json:"dir" mapstructure:"dir"`
	AutoGenerate bool    `json:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string  `json:"min_version" mapstructure:"min_version"`
	MaxVersion   string  `json:"max_version" mapstructure:"max_version"`
	AutoGen      AutoGen `json:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGen holds the subject of generated self-signed certificates.
type AutoGen struct {
	CommonName   string   `json:"common_name" mapstructure:"common_name"`
	Organization string   `json:"organization" mapstructure:"organization"`
	DNSNames     []string `json:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `json:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `json:"valid_days" mapstructure:"valid_days"`
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions defaults both bounds to TLS 1.3.
func resolveTLSVersions(o Options) (minVer uint16, maxVer uint16, err error) {
	minVer, maxVer = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseTLSVersion(o.MinVersion); ok {
		minVer = v
	} else if v == 0 {
		return 0, 0, fmt.Errorf("unsupported tls min_version %q", o.MinVersion)
	}
	if v, ok := parseTLSVersion(o.MaxVersion); ok {
		maxVer = v
	} else if v == 0 {
		return 0, 0, fmt.Errorf("unsupported tls max_version %q", o.MaxVersion)
	}
	if minVer > maxVer {
		return 0, 0, errors.New("tls min_version is above max_version")
	}
	return minVer, maxVer, nil
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificationFunc reloads the key pair on every handshake so rotated
// certificates are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// Setup builds the server TLS config, or nil when TLS is disabled.
// Explicit cert/key files take priority over a certificate directory.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}

	minVer, maxVer, err := resolveTLSVersions(o)
	if err != nil {
		return nil, err
	}

	if o.CertFile != "" && o.KeyFile != "" {
		if !certificatesExist(o.CertFile, o.KeyFile) {
			return nil, errors.New("tls cert_file or key_file not found")
		}
		return createTLSConfig(o.CertFile, o.KeyFile, minVer, maxVer), nil
	}

	if o.Dir != "" {
		keyPath := filepath.Join(o.Dir, tlsKey)
		certPath := filepath.Join(o.Dir, tlsCrt)

		if !certificatesExist(certPath, keyPath) {
			if !o.AutoGenerate {
				return nil, fmt.Errorf("no certificates in %s and auto_generate is off", o.Dir)
			}
			if err := generateCertificate(o.AutoGen, o.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return createTLSConfig(certPath, keyPath, minVer, maxVer), nil
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

// SelfSigned returns a TLS config backed by a self-signed certificate in
// certDir, generating one when missing.
func SelfSigned(certDir string) (*tls.Config, error) {
	return Setup(Options{Enabled: true, Dir: certDir, AutoGenerate: true})
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

func createTLSConfig(certPath, keyPath string, minVer, maxVer uint16) *tls.Config {
	// #nosec G402 TLS backward compatibility considered
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(autoGen AutoGen, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(autoGen.CommonName, "localhost"),
		Organization: getOrDefault(autoGen.Organization, "sidekick"),
		DNSNames:     getOrDefaultSlice(autoGen.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
