package tlsnet

import (
	"crypto/rand"
	"crypto/rsa"
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

	"github.com/coinbase/cb-keysearch-go/internal/clusterconfig"
)

// CertOptions controls demo certificate generation.
type CertOptions struct {
	// KeyBits is the RSA modulus size. Zero selects 3072; values below 2048
	// are rejected.
	KeyBits int
	// ValidityDays is the certificate lifetime. Zero selects 365.
	ValidityDays int
	// IncludeLocalhost adds localhost and 127.0.0.1 SANs for local runs.
	IncludeLocalhost bool
}

func (o CertOptions) normalize() (CertOptions, error) {
	if o.KeyBits == 0 {
		o.KeyBits = 3072
	}
	if o.KeyBits < 2048 {
		return o, fmt.Errorf("tlsnet: RSA key size %d below 2048", o.KeyBits)
	}
	if o.ValidityDays == 0 {
		o.ValidityDays = 365
	}
	if o.ValidityDays < 0 {
		return o, fmt.Errorf("tlsnet: negative validity %d", o.ValidityDays)
	}
	return o, nil
}

// Party holds one party's PEM-encoded certificate and key.
type Party struct {
	Name    string
	CertPEM []byte
	KeyPEM  []byte
}

// Material is an in-memory demo PKI: one CA and a certificate per party.
type Material struct {
	CAPEM    []byte
	CAKeyPEM []byte
	Parties  []Party
}

// CertPool returns a pool containing the CA.
func (m *Material) CertPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(m.CAPEM) {
		return nil, errors.New("tlsnet: failed to parse CA certificate")
	}
	return pool, nil
}

// KeyPair returns the TLS certificate of party i.
func (m *Material) KeyPair(i int) (tls.Certificate, error) {
	if i < 0 || i >= len(m.Parties) {
		return tls.Certificate{}, fmt.Errorf("tlsnet: no party %d", i)
	}
	return tls.X509KeyPair(m.Parties[i].CertPEM, m.Parties[i].KeyPEM)
}

// NewMaterial generates a CA and one server+client certificate per name.
func NewMaterial(names []string, opts CertOptions) (*Material, error) {
	if len(names) < 2 {
		return nil, fmt.Errorf("tlsnet: provide at least two party names (got %v)", names)
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(time.Duration(opts.ValidityDays) * 24 * time.Hour)

	caKey, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "cb-keysearch-demo-ca"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	m := &Material{
		CAPEM:    pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		CAKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caKey)}),
	}

	seen := make(map[string]struct{}, len(names))
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("tlsnet: party %d has an empty name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("tlsnet: duplicate party name %q", name)
		}
		seen[name] = struct{}{}

		key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
		if err != nil {
			return nil, fmt.Errorf("generate key for %s: %w", name, err)
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(int64(i + 2)),
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    notBefore,
			NotAfter:     notAfter,
			KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			DNSNames:     []string{name},
		}
		if opts.IncludeLocalhost {
			tmpl.DNSNames = append(tmpl.DNSNames, "localhost")
			tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
		if err != nil {
			return nil, fmt.Errorf("create cert for %s: %w", name, err)
		}
		m.Parties = append(m.Parties, Party{
			Name:    name,
			CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
			KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		})
	}
	return m, nil
}

// GenerateCertificates writes a demo CA and per-party certificates to
// outputDir, which must stay inside the working directory.
func GenerateCertificates(names []string, outputDir string, opts CertOptions) error {
	absDir, err := clusterconfig.SecurePath(outputDir)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	m, err := NewMaterial(names, opts)
	if err != nil {
		return err
	}
	return m.WriteDir(absDir)
}

// WriteDir writes rootCA.pem, rootCA-key.pem and <name>-cert.pem /
// <name>-key.pem for every party into dir.
func (m *Material) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	files := map[string][]byte{
		"rootCA.pem":     m.CAPEM,
		"rootCA-key.pem": m.CAKeyPEM,
	}
	for _, p := range m.Parties {
		files[p.Name+"-cert.pem"] = p.CertPEM
		files[p.Name+"-key.pem"] = p.KeyPEM
	}
	for name, data := range files {
		if filepath.Base(name) != name {
			return fmt.Errorf("tlsnet: invalid file name %q", name)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
