package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultAPI is the CSDA catalog endpoint.
const DefaultAPI = "https://nasa-csda.wx.spire.com/"

// Settings is the configuration snapshot for a single run.
type Settings struct {
	Username              string        `yaml:"username"`
	Password              string        `yaml:"password"`
	API                   string        `yaml:"api"`
	CognitoClientID       string        `yaml:"cognito_client_id"`
	CognitoRegion         string        `yaml:"cognito_region"`
	SearchPageSize        int           `yaml:"search_page_size"`
	ConcurrentDownloads   int           `yaml:"concurrent_downloads"`
	ConcurrentSearches    int           `yaml:"concurrent_searches"`
	ItemBufferSize        int           `yaml:"item_buffer_size"`
	MaxDeduplicationCache int           `yaml:"max_deduplication_cache"`
	UseHTTP2              bool          `yaml:"use_http2"`
	DownloadProgress      bool          `yaml:"download_progress"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	RequestsPerSecond     float64       `yaml:"requests_per_second"`
	Storage               string        `yaml:"storage"`
	Retry                 RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns Settings with the stock CSDA values.
func Default() Settings {
	return Settings{
		API:                   DefaultAPI,
		CognitoClientID:       "7agre1j1gooj2jng6mkddasp9o",
		CognitoRegion:         "us-west-2",
		SearchPageSize:        100,
		ConcurrentDownloads:   12,
		ConcurrentSearches:    4,
		ItemBufferSize:        10,
		MaxDeduplicationCache: 1000,
		UseHTTP2:              true,
		RequestTimeout:        5 * time.Minute,
		Retry: RetryConfig{
			Attempts:   10,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlSettings is used for YAML unmarshaling with string durations and
// pointer booleans so an absent key keeps its default.
type yamlSettings struct {
	Username              string          `yaml:"username"`
	Password              string          `yaml:"password"`
	API                   string          `yaml:"api"`
	CognitoClientID       string          `yaml:"cognito_client_id"`
	CognitoRegion         string          `yaml:"cognito_region"`
	SearchPageSize        int             `yaml:"search_page_size"`
	ConcurrentDownloads   int             `yaml:"concurrent_downloads"`
	ConcurrentSearches    int             `yaml:"concurrent_searches"`
	ItemBufferSize        int             `yaml:"item_buffer_size"`
	MaxDeduplicationCache *int            `yaml:"max_deduplication_cache"`
	UseHTTP2              *bool           `yaml:"use_http2"`
	DownloadProgress      bool            `yaml:"download_progress"`
	RequestTimeout        string          `yaml:"request_timeout"`
	RequestsPerSecond     float64         `yaml:"requests_per_second"`
	Storage               string          `yaml:"storage"`
	Retry                 yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads settings from a YAML file on top of Default.
func LoadFromFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	var ys yamlSettings
	if err := yaml.Unmarshal(data, &ys); err != nil {
		return Settings{}, fmt.Errorf("parse settings file: %w", err)
	}

	s := Default()

	if ys.Username != "" {
		s.Username = ys.Username
	}
	if ys.Password != "" {
		s.Password = ys.Password
	}
	if ys.API != "" {
		s.API = ys.API
	}
	if ys.CognitoClientID != "" {
		s.CognitoClientID = ys.CognitoClientID
	}
	if ys.CognitoRegion != "" {
		s.CognitoRegion = ys.CognitoRegion
	}
	if ys.SearchPageSize != 0 {
		s.SearchPageSize = ys.SearchPageSize
	}
	if ys.ConcurrentDownloads != 0 {
		s.ConcurrentDownloads = ys.ConcurrentDownloads
	}
	if ys.ConcurrentSearches != 0 {
		s.ConcurrentSearches = ys.ConcurrentSearches
	}
	if ys.ItemBufferSize != 0 {
		s.ItemBufferSize = ys.ItemBufferSize
	}
	if ys.MaxDeduplicationCache != nil {
		s.MaxDeduplicationCache = *ys.MaxDeduplicationCache
	}
	if ys.UseHTTP2 != nil {
		s.UseHTTP2 = *ys.UseHTTP2
	}
	s.DownloadProgress = ys.DownloadProgress
	if ys.RequestTimeout != "" {
		d, err := time.ParseDuration(ys.RequestTimeout)
		if err != nil {
			return Settings{}, fmt.Errorf("parse request_timeout: %w", err)
		}
		s.RequestTimeout = d
	}
	if ys.RequestsPerSecond != 0 {
		s.RequestsPerSecond = ys.RequestsPerSecond
	}
	if ys.Storage != "" {
		s.Storage = ys.Storage
	}
	if ys.Retry.Attempts != 0 {
		s.Retry.Attempts = ys.Retry.Attempts
	}
	if ys.Retry.Backoff != "" {
		d, err := time.ParseDuration(ys.Retry.Backoff)
		if err != nil {
			return Settings{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		s.Retry.Backoff = d
	}
	if ys.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(ys.Retry.MaxBackoff)
		if err != nil {
			return Settings{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		s.Retry.MaxBackoff = d
	}

	return s, nil
}

// LoadDotenv loads a dotenv file into the process environment. Variables
// already set in the environment win. A missing file is not an error.
func LoadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads settings from environment variables.
// Environment variables use the CSDA_ prefix.
func (s *Settings) LoadFromEnv() error {
	if v := os.Getenv("CSDA_USERNAME"); v != "" {
		s.Username = v
	}
	if v := os.Getenv("CSDA_PASSWORD"); v != "" {
		s.Password = v
	}
	if v := os.Getenv("CSDA_API"); v != "" {
		s.API = v
	}
	if v := os.Getenv("CSDA_COGNITO_CLIENT_ID"); v != "" {
		s.CognitoClientID = v
	}
	if v := os.Getenv("CSDA_COGNITO_REGION"); v != "" {
		s.CognitoRegion = v
	}
	if v := os.Getenv("CSDA_STORAGE"); v != "" {
		s.Storage = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CSDA_SEARCH_PAGE_SIZE", &s.SearchPageSize},
		{"CSDA_CONCURRENT_DOWNLOADS", &s.ConcurrentDownloads},
		{"CSDA_CONCURRENT_SEARCHES", &s.ConcurrentSearches},
		{"CSDA_ITEM_BUFFER_SIZE", &s.ItemBufferSize},
		{"CSDA_MAX_DEDUPLICATION_CACHE", &s.MaxDeduplicationCache},
		{"CSDA_RETRY_COUNT", &s.Retry.Attempts},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"CSDA_USE_HTTP2", &s.UseHTTP2},
		{"CSDA_DOWNLOAD_PROGRESS", &s.DownloadProgress},
	}
	for _, e := range bools {
		if v := os.Getenv(e.key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.key, err)
			}
			*e.dst = b
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CSDA_REQUEST_TIMEOUT", &s.RequestTimeout},
		{"CSDA_RETRY_BACKOFF", &s.Retry.Backoff},
		{"CSDA_MAX_RETRY_WAIT", &s.Retry.MaxBackoff},
	}
	for _, e := range durations {
		if v := os.Getenv(e.key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.key, err)
			}
			*e.dst = d
		}
	}

	if v := os.Getenv("CSDA_REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse CSDA_REQUESTS_PER_SECOND: %w", err)
		}
		s.RequestsPerSecond = f
	}

	return nil
}

// parseDuration accepts Go durations and bare integers as seconds, which is
// how the CSDA_MAX_RETRY_WAIT variable has always been written.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate validates the settings.
func (s *Settings) Validate() error {
	if s.Username == "" {
		return errors.New("config: username is required")
	}
	if s.Password == "" {
		return errors.New("config: password is required")
	}
	u, err := url.Parse(s.API)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: api must be an absolute URL, got %q", s.API)
	}
	if s.SearchPageSize <= 0 {
		return errors.New("config: search_page_size must be positive")
	}
	if s.ConcurrentDownloads <= 0 {
		return errors.New("config: concurrent_downloads must be positive")
	}
	if s.ConcurrentSearches <= 0 {
		return errors.New("config: concurrent_searches must be positive")
	}
	if s.ItemBufferSize < 0 {
		return errors.New("config: item_buffer_size must not be negative")
	}
	if s.Retry.Attempts < 0 {
		return errors.New("config: retry attempts must not be negative")
	}
	if s.Retry.MaxBackoff < s.Retry.Backoff {
		return errors.New("config: retry max_backoff must be >= backoff")
	}
	return nil
}

// Merge merges override values into s, returning new Settings.
// Zero values in override are ignored.
func (s Settings) Merge(override Settings) Settings {
	if override.Username != "" {
		s.Username = override.Username
	}
	if override.Password != "" {
		s.Password = override.Password
	}
	if override.API != "" {
		s.API = override.API
	}
	if override.Storage != "" {
		s.Storage = override.Storage
	}
	if override.SearchPageSize != 0 {
		s.SearchPageSize = override.SearchPageSize
	}
	if override.ConcurrentDownloads != 0 {
		s.ConcurrentDownloads = override.ConcurrentDownloads
	}
	if override.ConcurrentSearches != 0 {
		s.ConcurrentSearches = override.ConcurrentSearches
	}
	if override.DownloadProgress {
		s.DownloadProgress = override.DownloadProgress
	}
	if override.Retry.Attempts != 0 {
		s.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		s.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		s.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return s
}
