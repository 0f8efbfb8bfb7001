package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bgt-builder/bgt/internal/errs"
)

const sampleConfig = `
[signer]
name = "satoshi"
gpg_key_id = "0xDEADBEEF"
guix_sigs_fork = "https://github.com/satoshi/guix.sigs"

[build]
dir = "/srv/guix-builds"
multi_package = true
hosts = ["x86_64-linux-gnu", "arm64-apple-darwin"]

[watch]
poll_interval = "5m"

[pipeline]
max_build_attempts = 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseConfigFile(t *testing.T) {
	config, err := ParseConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "satoshi", config.Signer.Name)
	require.Equal(t, "0xDEADBEEF", config.Signer.GPGKeyID)
	require.Equal(t, "/srv/guix-builds", config.Build.Dir)
	require.True(t, config.Build.MultiPackage)
	require.Equal(t, []string{"x86_64-linux-gnu", "arm64-apple-darwin"}, config.Build.Hosts)
	require.Equal(t, 5*time.Minute, config.Watch.PollInterval)
	require.Equal(t, 5, config.Pipeline.MaxBuildAttempts)

	// Untouched keys keep their defaults.
	require.Equal(t, 3, config.Pipeline.MaxAttestAttempts)
	require.Equal(t, 14*24*time.Hour, config.Pipeline.SignatureTimeout)
	require.Equal(t, "bitcoin", config.Source.Owner)
	require.Equal(t, "bitcoin-detached-sigs", config.Detached.Repo)
	require.Equal(t, "/srv/guix-builds/bitcoin", config.BitcoinDir())

	sdk, ok := config.SDKFor("v27.1")
	require.True(t, ok)
	require.Equal(t, "Xcode-15.0-15A240d-extracted-SDK-with-libcxx-headers", sdk)
	_, ok = config.SDKFor("v28.0")
	require.False(t, ok)
	require.NoError(t, config.Validate())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("BGT_SIGNER_NAME", "hal")
	t.Setenv("BGT_PIPELINE_MAX_CONCURRENT_BUILDS", "2")

	config, err := ParseConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "hal", config.Signer.Name)
	require.Equal(t, 2, config.Pipeline.MaxConcurrentBuilds)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	config, err := ParseConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, time.Minute, config.Watch.PollInterval)

	err = config.Validate()
	require.True(t, errs.IsConfig(err))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		config := Default()
		config.Signer.Name = "satoshi"
		config.Signer.GPGKeyID = "0xDEADBEEF"
		return config
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"signer.gpg_key_id":              func(c *Config) { c.Signer.GPGKeyID = "DEADBEEF" },
		"source.kind":                    func(c *Config) { c.Source.Kind = "svn" },
		"detached.url":                   func(c *Config) { c.Detached.Kind = GitMode },
		"watch.tag_pattern":              func(c *Config) { c.Watch.TagPattern = "v(" },
		"lock.stale_after":               func(c *Config) { c.Lock.StaleAfter = c.Lock.HeartbeatInterval },
		"pipeline":                       func(c *Config) { c.Pipeline.MaxBuildAttempts = 0 },
		"watch.poll_interval":            func(c *Config) { c.Watch.PollInterval = 0 },
		"build.dir":                      func(c *Config) { c.Build.Dir = "" },
		"pipeline.max_concurrent_builds": func(c *Config) { c.Pipeline.MaxConcurrentBuilds = 0 },
	}
	for key, mutate := range cases {
		config := valid()
		mutate(config)

		err := config.Validate()
		require.Error(t, err, key)
		configErr := &errs.ConfigError{}
		require.ErrorAs(t, err, &configErr)
		require.Equal(t, key, configErr.Key)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigName)

	config := Default()
	config.Signer.Name = "satoshi"
	config.Signer.GPGKeyID = "0xDEADBEEF"
	config.Build.Dir = "/srv/guix-builds"
	config.Watch.PollInterval = 10 * time.Minute
	require.NoError(t, Save(config, path))

	loaded, err := ParseConfig(path)
	require.NoError(t, err)
	require.Equal(t, "satoshi", loaded.Signer.Name)
	require.Equal(t, "/srv/guix-builds", loaded.Build.Dir)
	require.Equal(t, 10*time.Minute, loaded.Watch.PollInterval)
}

func TestCloneURL(t *testing.T) {
	require.Equal(t, "https://github.com/bitcoin/bitcoin", SourceConfig{Kind: GithubMode, Owner: "bitcoin", Repo: "bitcoin"}.CloneURL())
	require.Equal(t, "https://gitlab.example.com/core/bitcoin.git", SourceConfig{Kind: GitlabMode, BaseURL: "https://gitlab.example.com/", Owner: "core", Repo: "bitcoin"}.CloneURL())
	require.Equal(t, "/srv/mirror.git", SourceConfig{Kind: GitMode, URL: "/srv/mirror.git"}.CloneURL())
}

func TestSettingsMasksSecrets(t *testing.T) {
	t.Setenv("BGT_SOURCE_TOKEN", "ghp_secret")

	settings, err := Settings(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	source := settings["source"].(map[string]interface{})
	require.Equal(t, "********", source["token"])
	require.Equal(t, "bitcoin", source["owner"])

	watch := settings["watch"].(map[string]interface{})
	require.Equal(t, "5m", watch["poll_interval"])
	pipeline := settings["pipeline"].(map[string]interface{})
	require.Equal(t, "336h0m0s", pipeline["signature_timeout"])
}
