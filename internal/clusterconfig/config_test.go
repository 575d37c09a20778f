package clusterconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// chdir moves into a fresh temp dir so SecurePath accepts relative paths.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func validConfig() *ClusterConfig {
	cfg, _ := Template("certs", []string{"orch", "w1", "w2"}, []string{"127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002"})
	return cfg
}

func TestTemplateAndAccessors(t *testing.T) {
	cfg := validConfig()
	require.Equal(t, filepath.Join("certs", "rootCA.pem"), cfg.CACert)
	require.Equal(t, []string{"orch", "w1", "w2"}, cfg.Names())
	require.Equal(t, "127.0.0.1:9001", cfg.Addresses()[1])
	require.Equal(t, filepath.Join("certs", "w2-key.pem"), cfg.Parties[2].Key)
	require.Equal(t, 2, cfg.Workers())

	idx, err := cfg.Index("w2")
	require.NoError(t, err)
	require.Equal(t, 2, idx)
	_, err = cfg.Index("nobody")
	require.Error(t, err)

	_, err = Template("certs", []string{"a"}, nil)
	require.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	chdir(t)
	cfg := validConfig()
	require.NoError(t, cfg.Save("cluster.json"))

	got, err := Load("cluster.json")
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	require.NoError(t, os.WriteFile("broken.json", []byte("{"), 0o600))
	_, err = Load("broken.json")
	require.Error(t, err)

	_, err = Load("../outside.json")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t)
	require.NoError(t, Validate(validConfig()))
	require.Error(t, Validate(nil))

	cases := map[string]func(*ClusterConfig){
		"no ca":          func(c *ClusterConfig) { c.CACert = "" },
		"ca escapes":     func(c *ClusterConfig) { c.CACert = "../ca.pem" },
		"one party":      func(c *ClusterConfig) { c.Parties = c.Parties[:1] },
		"empty name":     func(c *ClusterConfig) { c.Parties[1].Name = "" },
		"duplicate name": func(c *ClusterConfig) { c.Parties[2].Name = "w1" },
		"bad address":    func(c *ClusterConfig) { c.Parties[1].Address = "nohost" },
		"dup address":    func(c *ClusterConfig) { c.Parties[2].Address = c.Parties[1].Address },
		"missing key":    func(c *ClusterConfig) { c.Parties[0].Key = "" },
		"cert escapes":   func(c *ClusterConfig) { c.Parties[0].Cert = "../../etc/cert.pem" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			require.Error(t, Validate(cfg))
		})
	}
}

func TestSecurePath(t *testing.T) {
	dir := chdir(t)
	p, err := SecurePath("a/b/../c.pem")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "a", "c.pem"), p)

	_, err = SecurePath("..")
	require.Error(t, err)
}

func TestLoadCertPoolRejectsGarbage(t *testing.T) {
	chdir(t)
	require.NoError(t, os.WriteFile("ca.pem", []byte("not a cert"), 0o600))
	_, err := LoadCertPool("ca.pem")
	require.Error(t, err)
	_, err = LoadKeyPair("missing-cert.pem", "missing-key.pem")
	require.Error(t, err)
}
