// Package config provides application configuration structures and helpers.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Device describes one inverter endpoint. Username selects the device user
// class ("user" or "installer").
type Device struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Site holds the location and emissions properties of the installation.
type Site struct {
	Name       string  `mapstructure:"name"`
	Region     string  `mapstructure:"region"`
	TZ         string  `mapstructure:"tz"`
	Latitude   float64 `mapstructure:"latitude"`
	Longitude  float64 `mapstructure:"longitude"`
	CO2Avoided float64 `mapstructure:"co2_avoided"`
}

// Solar describes the collecting surface for the irradiance estimate.
type Solar struct {
	Tilt    float64 `mapstructure:"tilt"`
	Azimuth float64 `mapstructure:"azimuth"`
	Rho     float64 `mapstructure:"rho"`
}

// Sampling holds the tier cadences in seconds.
type Sampling struct {
	Fast   int `mapstructure:"fast"`
	Medium int `mapstructure:"medium"`
	Slow   int `mapstructure:"slow"`
}

// MQTT configures the pub/sub sink; a nil section disables it.
type MQTT struct {
	Broker    string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	BaseTopic string `mapstructure:"base_topic"`
}

// Influx configures the time-series sink; a nil section disables it.
type Influx struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// Status configures the read-only HTTP status endpoint.
type Status struct {
	Addr string `mapstructure:"addr"`
}

// Config is the validated configuration the collector runs with.
type Config struct {
	Site      Site     `mapstructure:"site"`
	Solar     Solar    `mapstructure:"solar_properties"`
	Inverters []Device `mapstructure:"inverters"`
	Sampling  Sampling `mapstructure:"sampling"`
	MQTT      *MQTT    `mapstructure:"mqtt"`
	Influx    *Influx  `mapstructure:"influxdb2"`
	Status    *Status  `mapstructure:"status"`
	LogFile   string   `mapstructure:"log_file"`
}

// Load reads the YAML configuration, applying defaults and environment
// overrides (PVCOLLECT_* variables). An empty path searches the usual
// locations for pvcollect.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pvcollect")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc")
		v.AddConfigPath("$HOME/.config")
		v.AddConfigPath(".")
	}

	v.SetDefault("sampling.fast", 30)
	v.SetDefault("sampling.medium", 60)
	v.SetDefault("sampling.slow", 120)
	v.SetDefault("site.tz", "UTC")

	v.SetEnvPrefix("PVCOLLECT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if len(cfg.Inverters) == 0 {
		return fmt.Errorf("config: at least one inverter is required")
	}
	for i, inv := range cfg.Inverters {
		if inv.Name == "" || inv.URL == "" || inv.Password == "" {
			return fmt.Errorf("config: inverter %d: name, url and password are required", i)
		}
	}
	if _, err := time.LoadLocation(cfg.Site.TZ); err != nil {
		return fmt.Errorf("config: site tz: %w", err)
	}
	if cfg.Sampling.Fast <= 0 || cfg.Sampling.Medium <= 0 || cfg.Sampling.Slow <= 0 {
		return fmt.Errorf("config: sampling intervals must be positive")
	}
	return nil
}

// Location resolves the configured site timezone.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.Site.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NewLogger builds the application logger, writing to stdout and to the
// configured log file when one is set.
func NewLogger(cfg *Config) (*zap.SugaredLogger, error) {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stdout"}
	if cfg.LogFile != "" {
		logCfg.OutputPaths = append(logCfg.OutputPaths, cfg.LogFile)
	}
	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}
