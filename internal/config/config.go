// Package config loads the backend configuration from a TOML file with
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lapsproject/laps/internal/logging"
)

// Config is the root configuration structure.
type Config struct {
	Server  Server
	Redis   Redis
	Docker  Docker
	Jobs    Jobs
	Maps    Maps
	Admin   Admin
	Logging logging.Config
}

// Server holds the HTTP listener settings.
type Server struct {
	Host string
	Port int
}

// Addr returns the host:port pair to listen on.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Redis holds the broker connection settings.
type Redis struct {
	Addr         string
	Username     string
	Password     string
	Db           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Docker holds the container runtime settings.
type Docker struct {
	// Host is the daemon socket; empty means the SDK environment default.
	Host string
	// ImagePrefix is prepended to module image tags, e.g. "laps".
	ImagePrefix string
}

// Jobs holds dispatch and supervision tunables.
type Jobs struct {
	TTL               time.Duration // job and result lifetime
	MaxWait           time.Duration // server-side bound on a single await
	MaxPollingClients int64
	StartTimeout      time.Duration // module readiness bound
	ProbeInterval     time.Duration // container health poll period
	RestartMaxTries   int           // auto-restart attempts before parking in Crashed
}

// Maps bounds raster uploads.
type Maps struct {
	MaxPixels int // width*height cap
}

// Admin holds the admin credential. PasswordHash is an encoded argon2id digest.
type Admin struct {
	Username     string
	PasswordHash string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("docker.image_prefix", "laps")
	v.SetDefault("jobs.ttl", "10m")
	v.SetDefault("jobs.max_wait", "30s")
	v.SetDefault("jobs.max_polling_clients", 64)
	v.SetDefault("jobs.start_timeout", "30s")
	v.SetDefault("jobs.probe_interval", "5s")
	v.SetDefault("jobs.restart_max_tries", 5)
	v.SetDefault("maps.max_pixels", 16_000_000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

// Load reads the configuration file at path. An empty path searches for
// config.toml in the working directory and /etc/laps.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/laps")
	}

	v.SetEnvPrefix("LAPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine when no explicit path was given; defaults
		// plus environment overrides still form a usable configuration.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errorsAs(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		Server: Server{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Redis: Redis{
			Addr:         v.GetString("redis.addr"),
			Username:     v.GetString("redis.username"),
			Password:     v.GetString("redis.password"),
			Db:           v.GetInt("redis.db"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
		},
		Docker: Docker{
			Host:        v.GetString("docker.host"),
			ImagePrefix: v.GetString("docker.image_prefix"),
		},
		Jobs: Jobs{
			TTL:               v.GetDuration("jobs.ttl"),
			MaxWait:           v.GetDuration("jobs.max_wait"),
			MaxPollingClients: v.GetInt64("jobs.max_polling_clients"),
			StartTimeout:      v.GetDuration("jobs.start_timeout"),
			ProbeInterval:     v.GetDuration("jobs.probe_interval"),
			RestartMaxTries:   v.GetInt("jobs.restart_max_tries"),
		},
		Maps: Maps{
			MaxPixels: v.GetInt("maps.max_pixels"),
		},
		Admin: Admin{
			Username:     v.GetString("admin.username"),
			PasswordHash: v.GetString("admin.password_hash"),
		},
		Logging: logging.Config{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
			Output: v.GetString("logging.output"),
		},
	}

	return cfg, nil
}

func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
