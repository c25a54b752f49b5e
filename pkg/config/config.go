package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/JoeGlenn1213/lgh/pkg/fsutil"
)

const (
	DefaultHomeDirName = ".localgithub"
	ConfigFileName     = "config.json"
	EnvPrefix          = "LGH_"
	HomeEnv            = "LGH_HOME"
)

type ServerConfig struct {
	Bind string `koanf:"bind" json:"bind"`
	Port int    `koanf:"port" json:"port"`
}

func (srvc *ServerConfig) GetServerAddress() string {
	return net.JoinHostPort(srvc.Bind, strconv.Itoa(srvc.Port))
}

// GetCloneBaseUrl returns the URL local clients should use to reach the
// server. Wildcard binds are reached through the loopback address.
func (srvc *ServerConfig) GetCloneBaseUrl() string {
	host := srvc.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(srvc.Port))
}

// IsLoopback reports whether the server is reachable only from this machine.
func (srvc *ServerConfig) IsLoopback() bool {
	if srvc.Bind == "localhost" {
		return true
	}
	ip := net.ParseIP(srvc.Bind)
	return ip != nil && ip.IsLoopback()
}

type SshConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	Port    int    `koanf:"port" json:"port"`
	HostKey string `koanf:"hostkey" json:"hostkey,omitempty"`
}

type GitConfig struct {
	Binary        string        `koanf:"binary" json:"binary"`
	Timeout       time.Duration `koanf:"timeout" json:"timeout"`
	LockTimeout   time.Duration `koanf:"locktimeout" json:"locktimeout"`
	DefaultBranch string        `koanf:"defaultbranch" json:"defaultbranch"`
	MaxReaders    int64         `koanf:"maxreaders" json:"maxreaders"`
}

type EventsConfig struct {
	QueueSize       int           `koanf:"queuesize" json:"queuesize"`
	Retention       int           `koanf:"retention" json:"retention"`
	CompactInterval time.Duration `koanf:"compactinterval" json:"compactinterval"`
	Socket          string        `koanf:"socket" json:"socket,omitempty"`
}

type AuthConfig struct {
	BcryptCost int `koanf:"bcryptcost" json:"bcryptcost"`
}

type LogConfig struct {
	Level       string `koanf:"level" json:"level"`
	Development bool   `koanf:"development" json:"development"`
}

type OtelConfig struct {
	Enabled  bool   `koanf:"enabled" json:"enabled"`
	Endpoint string `koanf:"endpoint" json:"endpoint,omitempty"`
}

type RedisSinkConfig struct {
	Addr     string `koanf:"addr" json:"addr,omitempty"`
	Password string `koanf:"password" json:"password,omitempty"`
	DB       int    `koanf:"db" json:"db"`
	Stream   string `koanf:"stream" json:"stream"`
	MaxLen   int64  `koanf:"maxlen" json:"maxlen"`
}

type WebhookConfig struct {
	URL     string        `koanf:"url" json:"url"`
	Secret  string        `koanf:"secret" json:"secret,omitempty"`
	Kinds   []string      `koanf:"kinds" json:"kinds,omitempty"`
	Timeout time.Duration `koanf:"timeout" json:"timeout"`
}

type MailSinkConfig struct {
	Host     string   `koanf:"host" json:"host,omitempty"`
	Port     int      `koanf:"port" json:"port"`
	Username string   `koanf:"username" json:"username,omitempty"`
	Password string   `koanf:"password" json:"password,omitempty"`
	From     string   `koanf:"from" json:"from,omitempty"`
	To       []string `koanf:"to" json:"to,omitempty"`
	UseTLS   bool     `koanf:"usetls" json:"usetls"`
	Kinds    []string `koanf:"kinds" json:"kinds,omitempty"`
}

type SinksConfig struct {
	MaxRetries int             `koanf:"maxretries" json:"maxretries"`
	RetryDelay time.Duration   `koanf:"retrydelay" json:"retrydelay"`
	Redis      RedisSinkConfig `koanf:"redis" json:"redis"`
	Webhooks   []WebhookConfig `koanf:"webhooks" json:"webhooks,omitempty"`
	Mail       MailSinkConfig  `koanf:"mail" json:"mail"`
}

type Config struct {
	// Home is the data directory; it is resolved by the reader, not loaded.
	Home   string       `koanf:"-" json:"-"`
	Server ServerConfig `koanf:"server" json:"server"`
	Ssh    SshConfig    `koanf:"ssh" json:"ssh"`
	Git    GitConfig    `koanf:"git" json:"git"`
	Events EventsConfig `koanf:"events" json:"events"`
	Auth   AuthConfig   `koanf:"auth" json:"auth"`
	Log    LogConfig    `koanf:"log" json:"log"`
	Otel   OtelConfig   `koanf:"otel" json:"otel"`
	Sinks  SinksConfig  `koanf:"sinks" json:"sinks"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 9418,
		},
		Ssh: SshConfig{
			Port: 2222,
		},
		Git: GitConfig{
			Binary:        "git",
			Timeout:       10 * time.Minute,
			LockTimeout:   30 * time.Second,
			DefaultBranch: "main",
			MaxReaders:    64,
		},
		Events: EventsConfig{
			QueueSize:       256,
			Retention:       10000,
			CompactInterval: time.Hour,
		},
		Auth: AuthConfig{
			BcryptCost: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
		Sinks: SinksConfig{
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
			Redis: RedisSinkConfig{
				Stream: "lgh:events",
				MaxLen: 10000,
			},
			Mail: MailSinkConfig{
				Port: 587,
			},
		},
	}
}

func (c *Config) ConfigPath() string   { return filepath.Join(c.Home, ConfigFileName) }
func (c *Config) RegistryPath() string { return filepath.Join(c.Home, "repos.json") }
func (c *Config) RegistryLock() string { return filepath.Join(c.Home, "repos.lock") }
func (c *Config) AuthPath() string     { return filepath.Join(c.Home, "auth.json") }
func (c *Config) EventLogPath() string { return filepath.Join(c.Home, "events.log") }
func (c *Config) ReposDir() string     { return filepath.Join(c.Home, "repos") }
func (c *Config) PidPath() string      { return filepath.Join(c.Home, "lgh.pid") }

func (c *Config) SshHostKeyPath() string {
	if c.Ssh.HostKey != "" {
		return c.Ssh.HostKey
	}
	return filepath.Join(c.Home, "ssh_host_ed25519_key")
}

func (c *Config) SocketPath() string {
	if c.Events.Socket != "" {
		return c.Events.Socket
	}
	return filepath.Join(c.Home, "events.sock")
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Ssh.Enabled && (c.Ssh.Port <= 0 || c.Ssh.Port > 65535) {
		errs = append(errs, fmt.Errorf("ssh.port %d out of range", c.Ssh.Port))
	}
	if c.Git.Binary == "" {
		errs = append(errs, errors.New("git.binary must not be empty"))
	}
	if c.Git.Timeout <= 0 || c.Git.LockTimeout <= 0 {
		errs = append(errs, errors.New("git.timeout and git.locktimeout must be positive"))
	}
	if c.Git.MaxReaders < 1 {
		errs = append(errs, errors.New("git.maxreaders must be at least 1"))
	}
	if c.Events.QueueSize < 1 {
		errs = append(errs, errors.New("events.queuesize must be at least 1"))
	}
	if c.Events.Retention < 1 {
		errs = append(errs, errors.New("events.retention must be at least 1"))
	}
	if c.Sinks.Mail.Host != "" && (c.Sinks.Mail.From == "" || len(c.Sinks.Mail.To) == 0) {
		errs = append(errs, errors.New("sinks.mail needs from and at least one to address"))
	}
	return errors.Join(errs...)
}

type ConfigReader interface {
	Read() (*Config, error)
}

// NewConfigReader returns the reader for the given data home. An empty home
// resolves to $LGH_HOME or ~/.localgithub.
func NewConfigReader(home string) ConfigReader {
	return &FileEnvConfig{Home: home}
}

// ResolveHome picks the data directory.
func ResolveHome(home string) (string, error) {
	if home == "" {
		home = os.Getenv(HomeEnv)
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve user home: %w", err)
		}
		home = filepath.Join(userHome, DefaultHomeDirName)
	}
	return filepath.Abs(home)
}

// FileEnvConfig layers <home>/config.json and LGH_* environment variables
// over the defaults.
type FileEnvConfig struct {
	Home string
}

func (c *FileEnvConfig) Read() (*Config, error) {
	home, err := ResolveHome(c.Home)
	if err != nil {
		return nil, err
	}

	koanfInstance := koanf.New(".")

	configFilePath := filepath.Join(home, ConfigFileName)
	if _, err := os.Stat(configFilePath); err == nil {
		if err := koanfInstance.Load(file.Provider(configFilePath), json.Parser()); err != nil {
			return nil, fmt.Errorf("error occurred while reading config: %w", err)
		}
	}

	err = koanfInstance.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
			"_",
			".",
		)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error occurred while reading env config: %w", err)
	}

	config := Default()
	if err := koanfInstance.Unmarshal("", config); err != nil {
		return nil, fmt.Errorf("error occurred while unmarshalling config: %w", err)
	}
	config.Home = home

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// WriteDefault creates <home>/config.json with the commonly edited defaults.
// An existing file is left untouched; the result reports whether it was
// written.
func WriteDefault(home string) (bool, error) {
	path := filepath.Join(home, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	def := Default()
	starter := map[string]any{
		"server": def.Server,
		"git": map[string]any{
			"binary":        def.Git.Binary,
			"timeout":       def.Git.Timeout.String(),
			"locktimeout":   def.Git.LockTimeout.String(),
			"defaultbranch": def.Git.DefaultBranch,
		},
		"events": map[string]any{
			"retention":       def.Events.Retention,
			"compactinterval": def.Events.CompactInterval.String(),
		},
		"log": def.Log,
	}
	data, err := json.Parser().Marshal(starter)
	if err != nil {
		return false, fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return false, fmt.Errorf("create data home: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
