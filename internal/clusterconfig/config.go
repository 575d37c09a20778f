// Package clusterconfig loads the topology file of a distributed search.
//
// The first party is the orchestrator; every other party is a worker whose
// role is its index in the list.
package clusterconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// PartyConfig describes a single party in a cluster.
type PartyConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Cert    string `json:"cert"`
	Key     string `json:"key"`
}

// ClusterConfig describes the full cluster topology and TLS certificates.
type ClusterConfig struct {
	CACert  string        `json:"ca_cert"`
	Parties []PartyConfig `json:"parties"`
}

// Load reads, parses and validates a cluster configuration JSON file.
func Load(path string) (*ClusterConfig, error) {
	absPath, err := SecurePath(path)
	if err != nil {
		return nil, fmt.Errorf("secure path: %w", err)
	}
	data, err := os.ReadFile(absPath) // #nosec G304 -- absPath validated by SecurePath
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var cfg ClusterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Template builds a configuration for names/addresses whose certificates were
// written to certDir by the gen-certs command.
func Template(certDir string, names, addresses []string) (*ClusterConfig, error) {
	if len(names) != len(addresses) {
		return nil, fmt.Errorf("%d names but %d addresses", len(names), len(addresses))
	}
	cfg := &ClusterConfig{CACert: filepath.Join(certDir, "rootCA.pem")}
	for i, name := range names {
		cfg.Parties = append(cfg.Parties, PartyConfig{
			Name:    name,
			Address: addresses[i],
			Cert:    filepath.Join(certDir, name+"-cert.pem"),
			Key:     filepath.Join(certDir, name+"-key.pem"),
		})
	}
	return cfg, nil
}

// Save writes cfg as indented JSON.
func (c *ClusterConfig) Save(path string) error {
	absPath, err := SecurePath(path)
	if err != nil {
		return fmt.Errorf("secure path: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return os.WriteFile(absPath, append(data, '\n'), 0o600)
}

// Names returns the party names in role order.
func (c *ClusterConfig) Names() []string {
	out := make([]string, len(c.Parties))
	for i, p := range c.Parties {
		out[i] = p.Name
	}
	return out
}

// Addresses returns the party addresses in role order.
func (c *ClusterConfig) Addresses() []string {
	out := make([]string, len(c.Parties))
	for i, p := range c.Parties {
		out[i] = p.Address
	}
	return out
}

// Index returns the role index of the named party.
func (c *ClusterConfig) Index(name string) (int, error) {
	for i, p := range c.Parties {
		if p.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("party %q not in cluster", name)
}

// Workers returns the number of worker parties.
func (c *ClusterConfig) Workers() int { return len(c.Parties) - 1 }

// LoadCertPool loads a PEM-encoded CA certificate pool from the given path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	absPath, err := SecurePath(path)
	if err != nil {
		return nil, fmt.Errorf("secure path: %w", err)
	}
	pemData, err := os.ReadFile(absPath) // #nosec G304 -- absPath validated by SecurePath
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// LoadKeyPair loads a TLS certificate and private key from the given paths.
func LoadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	certAbs, err := SecurePath(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("secure cert path: %w", err)
	}
	keyAbs, err := SecurePath(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("secure key path: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(certAbs, keyAbs)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	return cert, nil
}

// SecurePath validates that a file path doesn't escape the working directory.
func SecurePath(path string) (string, error) {
	clean := filepath.Clean(path)
	absPath, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	base, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	rel, err := filepath.Rel(base, absPath)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes working directory", path)
	}
	return absPath, nil
}

// Validate performs structural checks and path sanitization. It does not
// open files.
func Validate(cfg *ClusterConfig) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if cfg.CACert == "" {
		return errors.New("ca_cert is required")
	}
	if _, err := SecurePath(cfg.CACert); err != nil {
		return fmt.Errorf("ca_cert: %w", err)
	}
	if len(cfg.Parties) < 2 {
		return errors.New("cluster needs an orchestrator and at least one worker")
	}

	seenNames := make(map[string]struct{}, len(cfg.Parties))
	seenAddresses := make(map[string]struct{}, len(cfg.Parties))
	for i, p := range cfg.Parties {
		if p.Name == "" {
			return fmt.Errorf("party[%d]: empty name", i)
		}
		if _, ok := seenNames[p.Name]; ok {
			return fmt.Errorf("duplicate party name %q", p.Name)
		}
		seenNames[p.Name] = struct{}{}

		// Only the orchestrator listens, but addresses stay unique so a
		// config can be reused with any party as the orchestrator.
		if p.Address == "" {
			return fmt.Errorf("party[%s]: empty address", p.Name)
		}
		if _, _, err := net.SplitHostPort(p.Address); err != nil {
			return fmt.Errorf("party[%s]: invalid address %q: %v", p.Name, p.Address, err)
		}
		if _, ok := seenAddresses[p.Address]; ok {
			return fmt.Errorf("duplicate address %q", p.Address)
		}
		seenAddresses[p.Address] = struct{}{}

		if p.Cert == "" || p.Key == "" {
			return fmt.Errorf("party[%s]: cert and key paths are required", p.Name)
		}
		if _, err := SecurePath(p.Cert); err != nil {
			return fmt.Errorf("party[%s] cert: %w", p.Name, err)
		}
		if _, err := SecurePath(p.Key); err != nil {
			return fmt.Errorf("party[%s] key: %w", p.Name, err)
		}
	}
	return nil
}
