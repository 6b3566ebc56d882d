package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the turnserver's runtime configuration, sourced from
// TURNSERVER_* environment variables with an optional yaml file on top.
type Config struct {
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db_path"`

	UpstreamURL string `mapstructure:"upstream_url"`
	UpstreamKey string `mapstructure:"upstream_key"`
	Model       string `mapstructure:"model"`

	PerResourceLimit int64         `mapstructure:"per_resource_limit"`
	PerDayLimit      int64         `mapstructure:"per_day_limit"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`

	MaxQuestionLen  int `mapstructure:"max_question_len"`
	MaxOutputTokens int `mapstructure:"max_output_tokens"`
	SupervisorSize  int `mapstructure:"supervisor_size"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TURNSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "./turnserver.db")
	v.SetDefault("upstream_url", "https://api.openai.com")
	v.SetDefault("upstream_key", "")
	v.SetDefault("model", "gpt-4.1-mini")
	v.SetDefault("per_resource_limit", 5)
	v.SetDefault("per_day_limit", 20)
	v.SetDefault("lease_ttl", 90*time.Second)
	v.SetDefault("heartbeat", 20*time.Second)
	v.SetDefault("sweep_interval", 5*time.Second)
	v.SetDefault("max_question_len", 2000)
	v.SetDefault("max_output_tokens", 1024)
	v.SetDefault("supervisor_size", 32)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
