package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SiteURLs are the canonical URLs items link to
type SiteURLs struct {
	BaseURL   string `mapstructure:"base_url"`
	Post      string `mapstructure:"post_url"`
	Tag       string `mapstructure:"tag_url"`
	Profile   string `mapstructure:"profile_url"`
	Favorites string `mapstructure:"favorites_url"`
}

// APIConfig holds the API endpoint and credentials
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	AppKey  string `mapstructure:"appkey"`
	Secret  string `mapstructure:"secret"`
	UserKey string `mapstructure:"userkey"`
}

// MediaConfig controls media downloads
type MediaConfig struct {
	Exts    []string `mapstructure:"exts"`
	Workers int      `mapstructure:"workers"`
	Skip    bool     `mapstructure:"skip"`
}

// FetchConfig controls how content sources talk to the site
type FetchConfig struct {
	Workers   int           `mapstructure:"workers"`
	Rate      float64       `mapstructure:"rate"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// WatchConfig controls the scheduled sync mode
type WatchConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// Config is the complete configuration of a run
type Config struct {
	Site          SiteURLs    `mapstructure:"site"`
	API           APIConfig   `mapstructure:"api"`
	Username      string      `mapstructure:"username"`
	SessionCookie string      `mapstructure:"session_cookie"`
	DataDir       string      `mapstructure:"data_dir"`
	DBName        string      `mapstructure:"db_name"`
	Media         MediaConfig `mapstructure:"media"`
	Fetch         FetchConfig `mapstructure:"fetch"`
	FilterAdult   bool        `mapstructure:"filter_adult"`
	Log           LogConfig   `mapstructure:"log"`
	Watch         WatchConfig `mapstructure:"watch"`
}

const (
	configName = "favsync"
	envPrefix  = "FAVSYNC"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://www.wykop.pl/")
	v.SetDefault("site.post_url", "https://www.wykop.pl/wpis/")
	v.SetDefault("site.tag_url", "https://www.wykop.pl/tag/")
	v.SetDefault("site.profile_url", "https://www.wykop.pl/ludzie/")
	v.SetDefault("site.favorites_url", "https://www.wykop.pl/ludzie/ulubione")
	v.SetDefault("api.base_url", "https://a2.wykop.pl")
	v.SetDefault("api.appkey", "")
	v.SetDefault("api.secret", "")
	v.SetDefault("api.userkey", "")
	v.SetDefault("username", "")
	v.SetDefault("session_cookie", "")
	v.SetDefault("data_dir", "data")
	v.SetDefault("db_name", defaultDBName)
	v.SetDefault("media.exts", []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".webm"})
	v.SetDefault("media.workers", 5)
	v.SetDefault("media.skip", false)
	v.SetDefault("fetch.workers", 3)
	v.SetDefault("fetch.rate", 2.0)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.user_agent", "favsync/1.0")
	v.SetDefault("filter_adult", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("watch.schedule", "@hourly")
}

// LoadConfig loads configuration with the following priority, highest first:
// 1. FAVSYNC_* environment variables (a .env file in the working directory is read first)
// 2. The config file: configPath when given, a remote URL when configPath is one,
// otherwise favsync.yaml in the working directory or ~/.config/favsync
// 3. Built-in defaults
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case strings.HasPrefix(configPath, "http://") || strings.HasPrefix(configPath, "https://"):
		slog.Debug("Loading config from remote URL", "url", configPath)
		data, err := loadConfigFromURL(configPath)
		if err != nil {
			return nil, err
		}
		v.SetConfigType(configType(configPath))
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to parse remote config: %w", err)
		}
		slog.Info("Loaded config from remote URL", "url", configPath)
	case configPath != "":
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Info("Loaded config from local file", "path", configPath)
	default:
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/favsync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			slog.Debug("No config file found, using defaults and environment")
		} else {
			slog.Debug("Loaded config file", "path", v.ConfigFileUsed())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

// loadConfigFromURL fetches a config file with a timeout
func loadConfigFromURL(url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func configType(path string) string {
	switch ext := strings.TrimPrefix(filepath.Ext(path), "."); ext {
	case "json", "toml", "yml", "yaml":
		return ext
	}
	return "yaml"
}

// defaultDBName is the store used when no database is named
const defaultDBName = "favsync.db"

// normalize fills in values that must never be empty
func (c *Config) normalize() {
	c.Site.Post = withTrailingSlash(c.Site.Post)
	c.Site.Tag = withTrailingSlash(c.Site.Tag)
	c.Site.Profile = withTrailingSlash(c.Site.Profile)
	c.Site.Favorites = strings.TrimSuffix(c.Site.Favorites, "/")
	c.API.BaseURL = strings.TrimSuffix(c.API.BaseURL, "/")

	exts := make([]string, 0, len(c.Media.Exts))
	for _, ext := range c.Media.Exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	c.Media.Exts = exts

	if c.Media.Workers <= 0 {
		c.Media.Workers = 1
	}
	if c.Fetch.Workers <= 0 {
		c.Fetch.Workers = 1
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if strings.TrimSpace(c.DBName) == "" {
		c.DBName = defaultDBName
	}
	if c.Watch.Schedule == "" {
		c.Watch.Schedule = "@hourly"
	}
}

// DBPath returns the path of the active database file
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, newDatabaseName(c.DBName, time.Now()))
}

// SyncOptions builds the policy of one sync run from the configuration
func (c *Config) SyncOptions(known map[int64]bool, fullUpdate bool) SyncOptions {
	if known == nil {
		known = map[int64]bool{}
	}
	return SyncOptions{KnownIDs: known, FullUpdate: fullUpdate, FilterAdult: c.FilterAdult}
}

func withTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
