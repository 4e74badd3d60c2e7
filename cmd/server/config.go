package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"deploy-console/internal/api/middleware"
)

type Config struct {
	App struct {
		Env string `mapstructure:"env"`
	} `mapstructure:"app"`
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		TLSCertFile     string        `mapstructure:"tls_cert_file"`
		TLSKeyFile      string        `mapstructure:"tls_key_file"`
	} `mapstructure:"server"`
	Database struct {
		URL         string        `mapstructure:"url"`
		MaxConns    int           `mapstructure:"max_conns"`
		PingTimeout time.Duration `mapstructure:"ping_timeout"`
	} `mapstructure:"database"`
	Log struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"`
	} `mapstructure:"log"`
	Security struct {
		InternalToken     string   `mapstructure:"internal_token"`
		InternalTokenFile string   `mapstructure:"internal_token_file"`
		TrustedNetworks   []string `mapstructure:"trusted_networks"`
	} `mapstructure:"security"`
	CORS struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
	ControlPlane struct {
		BaseURL            string        `mapstructure:"base_url"`
		EnforceTimeout     time.Duration `mapstructure:"enforce_timeout"`
		StatusTimeout      time.Duration `mapstructure:"status_timeout"`
		InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	} `mapstructure:"controlplane"`
	License struct {
		SweepWarmup           time.Duration `mapstructure:"sweep_warmup"`
		SweepSchedule         string        `mapstructure:"sweep_schedule"`
		EnforceAttempts       int           `mapstructure:"enforce_attempts"`
		EnforceInitialBackoff time.Duration `mapstructure:"enforce_initial_backoff"`
	} `mapstructure:"license"`
	Inventory struct {
		ProbeConcurrency      int    `mapstructure:"probe_concurrency"`
		StatusRefreshSchedule string `mapstructure:"status_refresh_schedule"`
	} `mapstructure:"inventory"`
	DefaultUser struct {
		ID          string `mapstructure:"id"`
		CompanyName string `mapstructure:"company_name"`
		Password    string `mapstructure:"password"`
	} `mapstructure:"default_user"`
}

func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.App.Env, "development")
}

func (c Config) TLSEnabled() bool {
	return strings.TrimSpace(c.Server.TLSCertFile) != "" && strings.TrimSpace(c.Server.TLSKeyFile) != ""
}

// loadDotEnv reads .env.local then .env. Variables already set in the
// environment win, and missing files are ignored.
func loadDotEnv() error {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("load %s failed: %w", name, err)
		}
	}
	return nil
}

func loadConfig() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DEPLOYCONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "DEPLOYCONSOLE_DATABASE_URL", "DATABASE_URL")

	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.ping_timeout", "3s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("security.internal_token", "")
	v.SetDefault("security.internal_token_file", "")
	v.SetDefault("security.trusted_networks", []string{})
	v.SetDefault("cors.allow_origins", []string{"http://localhost:3000"})
	v.SetDefault("controlplane.base_url", "https://127.0.0.1:2020")
	v.SetDefault("controlplane.enforce_timeout", "30s")
	v.SetDefault("controlplane.status_timeout", "10s")
	v.SetDefault("controlplane.insecure_skip_verify", true)
	v.SetDefault("license.sweep_warmup", "5s")
	v.SetDefault("license.sweep_schedule", "@every 1h")
	v.SetDefault("license.enforce_attempts", 3)
	v.SetDefault("license.enforce_initial_backoff", "500ms")
	v.SetDefault("inventory.probe_concurrency", 5)
	v.SetDefault("inventory.status_refresh_schedule", "@every 5m")
	v.SetDefault("default_user.id", "A1B2C3")
	v.SetDefault("default_user.company_name", "admin")
	v.SetDefault("default_user.password", "admin")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return Config{}, fmt.Errorf("read config file failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config failed: %w", err)
	}

	if strings.TrimSpace(cfg.Security.InternalToken) == "" && strings.TrimSpace(cfg.Security.InternalTokenFile) != "" {
		// #nosec G304 -- path is provided by operator config.
		raw, err := os.ReadFile(strings.TrimSpace(cfg.Security.InternalTokenFile))
		if err != nil {
			return Config{}, fmt.Errorf("read security.internal_token_file failed: %w", err)
		}
		cfg.Security.InternalToken = strings.TrimSpace(string(raw))
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("database.url is required")
	}
	if c.Database.MaxConns <= 0 {
		return errors.New("database.max_conns must be greater than 0")
	}
	if c.Database.PingTimeout <= 0 {
		return errors.New("database.ping_timeout must be greater than 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if (strings.TrimSpace(c.Server.TLSCertFile) == "") != (strings.TrimSpace(c.Server.TLSKeyFile) == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if strings.TrimSpace(c.ControlPlane.BaseURL) == "" {
		return errors.New("controlplane.base_url is required")
	}
	if c.License.EnforceAttempts <= 0 {
		return errors.New("license.enforce_attempts must be greater than 0")
	}
	if strings.TrimSpace(c.DefaultUser.ID) == "" {
		return errors.New("default_user.id is required")
	}
	if _, err := middleware.ParseTrustedNetworks(c.Security.TrustedNetworks); err != nil {
		return fmt.Errorf("security.trusted_networks: %w", err)
	}
	for _, origin := range c.CORS.AllowOrigins {
		if strings.TrimSpace(origin) == "*" {
			return errors.New("cors.allow_origins must not contain wildcard *")
		}
	}
	return nil
}
