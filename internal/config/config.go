package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/bgt-builder/bgt/internal/errs"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/pkg/conf"
)

const (
	AppName    = "bgt"
	EnvPrefix  = "BGT"
	ConfigName = "config.toml"

	GithubMode = "github"
	GitlabMode = "gitlab"
	GitMode    = "git"
)

type SourceConfig struct {
	Kind    string `mapstructure:"kind"`
	BaseURL string `mapstructure:"base_url"`
	Owner   string `mapstructure:"owner"`
	Repo    string `mapstructure:"repo"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
}

func (s SourceConfig) Slug() string {
	if s.Kind == GitMode {
		return s.URL
	}
	return s.Owner + "/" + s.Repo
}

// CloneURL is the git URL the workspace clones the repository from.
func (s SourceConfig) CloneURL() string {
	if s.URL != "" {
		return s.URL
	}
	switch s.Kind {
	case GitlabMode:
		base := s.BaseURL
		if base == "" {
			base = "https://gitlab.com"
		}
		return strings.TrimSuffix(base, "/") + "/" + s.Slug() + ".git"
	default:
		return "https://github.com/" + s.Slug()
	}
}

type SDKConfig struct {
	Tag  string `mapstructure:"tag"`
	Name string `mapstructure:"name"`
}

type Config struct {
	Signer struct {
		Name         string `mapstructure:"name"`
		GPGKeyID     string `mapstructure:"gpg_key_id"`
		GuixSigsFork string `mapstructure:"guix_sigs_fork"`
		Keyring      string `mapstructure:"keyring"`
		Passphrase   string `mapstructure:"passphrase"`
		PushToken    string `mapstructure:"push_token"`
		Email        string `mapstructure:"email"`
		AutoPush     bool   `mapstructure:"auto_push"`
	} `mapstructure:"signer"`

	Build struct {
		Dir          string      `mapstructure:"dir"`
		Hosts        []string    `mapstructure:"hosts"`
		Jobs         int         `mapstructure:"jobs"`
		MultiPackage bool        `mapstructure:"multi_package"`
		MaxJobs      int         `mapstructure:"max_jobs"`
		SDKBaseURL   string      `mapstructure:"sdk_base_url"`
		SDKs         []SDKConfig `mapstructure:"sdks"`
		GuixSigsURL  string      `mapstructure:"guix_sigs_url"`
		WarmupRef    string      `mapstructure:"warmup_ref"`
	} `mapstructure:"build"`

	Source   SourceConfig `mapstructure:"source"`
	Detached SourceConfig `mapstructure:"detached"`

	Watch struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		TagPattern   string        `mapstructure:"tag_pattern"`
		CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"watch"`

	Pipeline struct {
		MaxBuildAttempts    int           `mapstructure:"max_build_attempts"`
		MaxAttestAttempts   int           `mapstructure:"max_attest_attempts"`
		MaxCodesignAttempts int           `mapstructure:"max_codesign_attempts"`
		MaxConcurrentBuilds int           `mapstructure:"max_concurrent_builds"`
		RetryMode           string        `mapstructure:"retry_mode"`
		RetryInitial        time.Duration `mapstructure:"retry_initial"`
		RetryMax            time.Duration `mapstructure:"retry_max"`
		SignaturePoll       time.Duration `mapstructure:"signature_poll"`
		SignaturePollMax    time.Duration `mapstructure:"signature_poll_max"`
		SignatureTimeout    time.Duration `mapstructure:"signature_timeout"`
		RequiredSignatures  []string      `mapstructure:"required_signatures"`
	} `mapstructure:"pipeline"`

	Lock struct {
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		StaleAfter        time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"lock"`

	State struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"state"`

	Server struct {
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"server"`

	Telegram struct {
		BotToken string `mapstructure:"bot_token"`
		ChatID   int64  `mapstructure:"chat_id"`
	} `mapstructure:"telegram"`
}

func defaults() map[string]interface{} {
	state := StateDir()
	return map[string]interface{}{
		"build.dir":           filepath.Join(baseStateDir(), "guix-builds"),
		"build.jobs":          0,
		"build.max_jobs":      8,
		"build.sdk_base_url":  "https://bitcoincore.org/depends-sources/sdks/",
		"build.guix_sigs_url": "https://github.com/bitcoin-core/guix.sigs.git",
		"build.warmup_ref":    "master",
		"build.sdks": []map[string]string{
			{"tag": "v25.2", "name": "Xcode-12.2-12B45b-extracted-SDK-with-libcxx-headers"},
			{"tag": "v26.2", "name": "Xcode-12.2-12B45b-extracted-SDK-with-libcxx-headers"},
			{"tag": "v27.1", "name": "Xcode-15.0-15A240d-extracted-SDK-with-libcxx-headers"},
		},

		"source.kind":    GithubMode,
		"source.owner":   "bitcoin",
		"source.repo":    "bitcoin",
		"detached.kind":  GithubMode,
		"detached.owner": "bitcoin-core",
		"detached.repo":  "bitcoin-detached-sigs",

		"watch.poll_interval": time.Minute,
		"watch.tag_pattern":   models.DefaultTagPattern,
		"watch.cache_ttl":     30 * time.Second,

		"pipeline.max_build_attempts":    3,
		"pipeline.max_attest_attempts":   3,
		"pipeline.max_codesign_attempts": 3,
		"pipeline.max_concurrent_builds": 1,
		"pipeline.retry_mode":            "linear",
		"pipeline.retry_initial":         30 * time.Second,
		"pipeline.retry_max":             5 * time.Minute,
		"pipeline.signature_poll":        time.Minute,
		"pipeline.signature_poll_max":    30 * time.Minute,
		"pipeline.signature_timeout":     14 * 24 * time.Hour,
		"pipeline.required_signatures":   []string{"osx", "win"},

		"lock.heartbeat_interval": 30 * time.Second,
		"lock.stale_after":        2 * time.Minute,

		"state.dir": state,
	}
}

// Default returns the configuration used before the setup wizard ran.
func Default() *Config {
	config := &Config{}
	v := viper.New()
	if err := conf.ParseConfigWith(v, config, conf.Defaults(defaults()), conf.EnvPrefix(EnvPrefix)); err != nil {
		panic(err)
	}
	return config
}

func ParseConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigFile()
	}
	return parse(viper.New(), path)
}

func parse(v *viper.Viper, path string) (*Config, error) {
	config := &Config{}
	err := conf.ParseConfigWith(v, config,
		conf.Defaults(defaults()),
		conf.EnvPrefix(EnvPrefix),
		conf.ConfigFile(path),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse config")
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Signer.Name == "" {
		return &errs.ConfigError{Key: "signer.name", Reason: "must be set, run `bgt setup`"}
	}
	if c.Signer.GPGKeyID == "" && c.Signer.Keyring == "" {
		return &errs.ConfigError{Key: "signer.gpg_key_id", Reason: "either a gpg key id or a keyring must be set"}
	}
	if c.Signer.GPGKeyID != "" && !strings.HasPrefix(c.Signer.GPGKeyID, "0x") {
		return &errs.ConfigError{Key: "signer.gpg_key_id", Reason: "must start with 0x"}
	}
	if c.Build.Dir == "" {
		return &errs.ConfigError{Key: "build.dir", Reason: "must be set"}
	}
	for _, source := range []struct {
		key    string
		config SourceConfig
	}{{"source", c.Source}, {"detached", c.Detached}} {
		switch source.config.Kind {
		case GithubMode, GitlabMode:
			if source.config.Owner == "" || source.config.Repo == "" {
				return &errs.ConfigError{Key: source.key, Reason: "owner and repo must be set"}
			}
		case GitMode:
			if source.config.URL == "" {
				return &errs.ConfigError{Key: source.key + ".url", Reason: "must be set for git sources"}
			}
		default:
			return &errs.ConfigError{Key: source.key + ".kind", Reason: "unknown source kind " + source.config.Kind}
		}
	}
	if _, err := regexp.Compile(c.Watch.TagPattern); err != nil {
		return &errs.ConfigError{Key: "watch.tag_pattern", Reason: err.Error()}
	}
	if c.Watch.PollInterval <= 0 {
		return &errs.ConfigError{Key: "watch.poll_interval", Reason: "must be positive"}
	}
	if c.Pipeline.MaxBuildAttempts < 1 || c.Pipeline.MaxAttestAttempts < 1 || c.Pipeline.MaxCodesignAttempts < 1 {
		return &errs.ConfigError{Key: "pipeline", Reason: "attempt limits must be at least 1"}
	}
	if c.Pipeline.MaxConcurrentBuilds < 1 {
		return &errs.ConfigError{Key: "pipeline.max_concurrent_builds", Reason: "must be at least 1"}
	}
	if c.Pipeline.SignaturePoll <= 0 || c.Pipeline.SignatureTimeout <= 0 {
		return &errs.ConfigError{Key: "pipeline", Reason: "signature polling intervals must be positive"}
	}
	if c.Lock.HeartbeatInterval <= 0 || c.Lock.StaleAfter <= c.Lock.HeartbeatInterval {
		return &errs.ConfigError{Key: "lock.stale_after", Reason: "must be greater than lock.heartbeat_interval"}
	}
	return nil
}

// BitcoinDir and friends lay out the checkouts below build.dir.
func (c *Config) BitcoinDir() string {
	return filepath.Join(c.Build.Dir, "bitcoin")
}

func (c *Config) GuixSigsDir() string {
	return filepath.Join(c.Build.Dir, "guix.sigs")
}

func (c *Config) DetachedSigsDir() string {
	return filepath.Join(c.Build.Dir, "bitcoin-detached-sigs")
}

func (c *Config) SDKsDir() string {
	return filepath.Join(c.Build.Dir, "macos-sdks")
}

func (c *Config) SourcesCacheDir() string {
	return filepath.Join(c.Build.Dir, "depends-sources-cache")
}

func (c *Config) BaseCacheDir() string {
	return filepath.Join(c.Build.Dir, "depends-base-cache")
}

// SDKFor returns the macOS SDK a tag builds against.
func (c *Config) SDKFor(tag string) (string, bool) {
	for _, sdk := range c.Build.SDKs {
		if sdk.Tag == tag {
			return sdk.Name, true
		}
	}
	return "", false
}

func (c *Config) RegistryPath() string {
	return filepath.Join(c.State.Dir, "registry.db")
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.State.Dir, "logs")
}

func (c *Config) WatchLogFile() string {
	return filepath.Join(c.State.Dir, "watch.log")
}

func baseStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state")
}

func StateDir() string {
	return filepath.Join(baseStateDir(), AppName)
}

func ConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, AppName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), ConfigName)
}

// Save writes the settings collected by the setup wizard.
func Save(config *Config, path string) error {
	if path == "" {
		path = ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "Failed to create config directory")
	}

	v := viper.New()
	v.Set("signer.name", config.Signer.Name)
	v.Set("signer.gpg_key_id", config.Signer.GPGKeyID)
	v.Set("signer.guix_sigs_fork", config.Signer.GuixSigsFork)
	if config.Signer.Email != "" {
		v.Set("signer.email", config.Signer.Email)
	}
	v.Set("signer.auto_push", config.Signer.AutoPush)
	v.Set("build.dir", config.Build.Dir)
	v.Set("build.multi_package", config.Build.MultiPackage)
	v.Set("watch.poll_interval", config.Watch.PollInterval.String())

	if err := v.WriteConfigAs(path); err != nil {
		return errors.Wrap(err, "Failed to write config")
	}
	return nil
}

var secretKeys = map[string]bool{
	"token":      true,
	"push_token": true,
	"passphrase": true,
	"bot_token":  true,
}

func redact(settings map[string]interface{}) {
	for key, value := range settings {
		switch value := value.(type) {
		case map[string]interface{}:
			redact(value)
		case time.Duration:
			settings[key] = value.String()
		case string:
			if secretKeys[key] && value != "" {
				settings[key] = "********"
			}
		}
	}
}

// Settings returns the effective settings keyed like the config file, with
// secrets masked.
func Settings(path string) (map[string]interface{}, error) {
	if path == "" {
		path = ConfigFile()
	}
	v := viper.New()
	if _, err := parse(v, path); err != nil {
		return nil, err
	}
	settings := v.AllSettings()
	redact(settings)
	return settings, nil
}
