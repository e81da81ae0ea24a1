package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs to start. Values are resolved in
// three layers: built-in defaults, an optional YAML file, then environment
// variables.
type Config struct {
	Port   string       `yaml:"port"`
	DBPath string       `yaml:"db_path"`
	Redis  RedisConfig  `yaml:"redis"`
	Judge0 Judge0Config `yaml:"judge0"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Judge0Config struct {
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	APIHost string `yaml:"api_host"`
}

func Default() Config {
	return Config{
		Port:   "8080",
		DBPath: "./data/syncpad.db",
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Judge0: Judge0Config{
			URL:     "https://judge0-ce.p.rapidapi.com",
			APIHost: "judge0-ce.p.rapidapi.com",
		},
	}
}

// Load builds the config from defaults, the YAML file at path (skipped when
// path is empty or the file does not exist), and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("SYNCPAD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("JUDGE0_URL"); v != "" {
		cfg.Judge0.URL = v
	}
	if v := os.Getenv("JUDGE0_API_KEY"); v != "" {
		cfg.Judge0.APIKey = v
	}
	if v := os.Getenv("JUDGE0_API_HOST"); v != "" {
		cfg.Judge0.APIHost = v
	}
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr must not be empty")
	}
	if c.Judge0.URL == "" {
		return fmt.Errorf("judge0 url must not be empty")
	}
	return nil
}
