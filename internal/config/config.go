package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/michaelbrown/codelab/internal/sandbox"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type AuthConfig struct {
	SecretKey string        `mapstructure:"secret_key"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// AIConfig points at any OpenAI-compatible chat API.
type AIConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	UtilityModel     string `mapstructure:"utility_model"`
	MaxIterations    int    `mapstructure:"max_iterations"`
	ContextMaxTokens int    `mapstructure:"context_max_tokens"`
	PersonasDir      string `mapstructure:"personas_dir"`
}

type DockerConfig struct {
	Image     string   `mapstructure:"image"`
	Images    []string `mapstructure:"images"`
	User      string   `mapstructure:"user"`
	Memory    string   `mapstructure:"memory"`
	CPUs      float64  `mapstructure:"cpus"`
	PidsLimit int64    `mapstructure:"pids_limit"`
	Network   bool     `mapstructure:"network"`
}

type RemoteConfig struct {
	URL       string        `mapstructure:"url"`
	AuthToken string        `mapstructure:"auth_token"`
	Grace     time.Duration `mapstructure:"grace"`
}

type SandboxConfig struct {
	Mode           string        `mapstructure:"mode"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxSourceBytes int           `mapstructure:"max_source_bytes"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
	MaxConcurrent  int64         `mapstructure:"max_concurrent"`
	QueueTimeout   time.Duration `mapstructure:"queue_timeout"`
	WorkspaceRoot  string        `mapstructure:"workspace_root"`
	ProfilesFile   string        `mapstructure:"profiles_file"`
	Docker         DockerConfig  `mapstructure:"docker"`
	Remote         RemoteConfig  `mapstructure:"remote"`
}

// SandboxdConfig configures the remote sandbox worker service.
type SandboxdConfig struct {
	Port          int    `mapstructure:"port"`
	AuthToken     string `mapstructure:"auth_token"`
	MaxConcurrent int64  `mapstructure:"max_concurrent"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	AI       AIConfig       `mapstructure:"ai"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Sandboxd SandboxdConfig `mapstructure:"sandboxd"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// legacyEnv maps config keys to the environment variable names deployments
// already use. CODELAB_* names always work as well.
var legacyEnv = map[string]string{
	"sandbox.mode":    "EXECUTION_ENV",
	"ai.api_key":      "GEMINI_API_KEY",
	"auth.secret_key": "SECRET_KEY",
	"storage.db_path": "DATABASE_PATH",
}

// Load reads configuration from the optional config file, .env and the
// environment. path overrides the config file search when non-empty.
func Load(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("codelab")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.codelab")
	}

	setDefaults(v)

	v.SetEnvPrefix("CODELAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "CODELAB_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in secrets
	for _, s := range []*string{&cfg.AI.APIKey, &cfg.Auth.SecretKey, &cfg.Sandbox.Remote.AuthToken, &cfg.Sandboxd.AuthToken} {
		*s = expandEnv(*s)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".codelab", "codelab.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.token_ttl", 30*time.Minute)

	v.SetDefault("ai.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gemini-2.5-flash")
	v.SetDefault("ai.utility_model", "")
	v.SetDefault("ai.max_iterations", 6)
	v.SetDefault("ai.context_max_tokens", 6000)
	v.SetDefault("ai.personas_dir", "")

	v.SetDefault("sandbox.mode", "docker")
	v.SetDefault("sandbox.timeout", sandbox.DefaultTimeout)
	v.SetDefault("sandbox.max_source_bytes", sandbox.DefaultMaxSourceBytes)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.max_concurrent", 8)
	v.SetDefault("sandbox.queue_timeout", 10*time.Second)
	v.SetDefault("sandbox.workspace_root", "")
	v.SetDefault("sandbox.profiles_file", "")
	v.SetDefault("sandbox.docker.image", "sandbox-runner")
	v.SetDefault("sandbox.docker.images", []string{})
	v.SetDefault("sandbox.docker.user", "")
	v.SetDefault("sandbox.docker.memory", "256m")
	v.SetDefault("sandbox.docker.cpus", 1.0)
	v.SetDefault("sandbox.docker.pids_limit", 128)
	v.SetDefault("sandbox.docker.network", false)
	v.SetDefault("sandbox.remote.url", "")
	v.SetDefault("sandbox.remote.auth_token", "")
	v.SetDefault("sandbox.remote.grace", sandbox.DefaultRemoteGrace)

	v.SetDefault("sandboxd.port", 8090)
	v.SetDefault("sandboxd.auth_token", "")
	v.SetDefault("sandboxd.max_concurrent", 1)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "codelab.run")
	v.SetDefault("nats.queue", "codelab-runners")
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// SandboxConfig converts the sandbox section into the execution core's config.
// The execution mode is parsed here, once, at startup.
func (c *Config) SandboxConfig() (sandbox.Config, error) {
	mode, err := sandbox.ParseMode(c.Sandbox.Mode)
	if err != nil {
		return sandbox.Config{}, err
	}
	memory, err := sandbox.ParseMemory(c.Sandbox.Docker.Memory)
	if err != nil {
		return sandbox.Config{}, err
	}

	policy := sandbox.DefaultPolicy()
	policy.Image = c.Sandbox.Docker.Image
	policy.Images = c.Sandbox.Docker.Images
	policy.User = c.Sandbox.Docker.User
	policy.Memory = memory
	policy.NanoCPUs = int64(c.Sandbox.Docker.CPUs * 1e9)
	policy.PidsLimit = c.Sandbox.Docker.PidsLimit
	policy.Network = c.Sandbox.Docker.Network
	policy.MaxOutputBytes = c.Sandbox.MaxOutputBytes

	return sandbox.Config{
		Mode:           mode,
		Policy:         policy,
		WorkspaceRoot:  c.Sandbox.WorkspaceRoot,
		Timeout:        c.Sandbox.Timeout,
		MaxSourceBytes: c.Sandbox.MaxSourceBytes,
		MaxConcurrent:  c.Sandbox.MaxConcurrent,
		QueueTimeout:   c.Sandbox.QueueTimeout,
		Remote: sandbox.RemoteConfig{
			URL:       c.Sandbox.Remote.URL,
			AuthToken: c.Sandbox.Remote.AuthToken,
			Grace:     c.Sandbox.Remote.Grace,
		},
	}, nil
}

// Registry builds the language profile registry, applying the overrides file if set.
func (c *Config) Registry() (*sandbox.Registry, error) {
	var overrides *sandbox.ProfileOverrides
	if c.Sandbox.ProfilesFile != "" {
		o, err := sandbox.LoadProfileOverrides(c.Sandbox.ProfilesFile)
		if err != nil {
			return nil, err
		}
		overrides = o
	}
	return sandbox.NewRegistry(overrides)
}

// AIConfigured reports whether an AI credential is present.
func (c *Config) AIConfigured() bool {
	return c.AI.APIKey != ""
}
