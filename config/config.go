package config

import (
	"fmt"
	"strings"
	"time"
)

// Tie-break policies for the visual price stage.
const (
	TieBreakFrequency = "frequency"
	TieBreakSmallest  = "smallest"
	TieBreakLast      = "last"
)

// DefaultUserAgents is the browser-like user agent pool rotated per request.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/122.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/121.0 Safari/537.36",
}

// Config holds scraper configuration.
type Config struct {
	Concurrency int
	Limit       int

	Timeout           time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
	RetryJitter       time.Duration
	HumanDelayMin     time.Duration
	HumanDelayMax     time.Duration
	RequestsPerSecond float64
	PageCacheSize     int
	UserAgents        []string
	AcceptLanguage    string
	Referer           string
	RespectRobotsTxt  bool

	MinPrice        int
	MaxPrice        int
	StructuredFloor int
	ScriptFloor     int
	TieBreak        string

	StoresFile    string
	BlockedStores []string

	Source             string
	Sink               string
	PipelineBufferSize int
	BatchSize          int

	RenderTimeout   time.Duration
	RenderRemoteURL string

	SummaryFile string
	MetricsAddr string
	ServeAddr   string
	Verbose     bool
}

// DefaultConfig returns conservative defaults for retailer scraping.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:        3,
		Limit:              0,
		Timeout:            30 * time.Second,
		MaxRetries:         4,
		RetryBackoff:       500 * time.Millisecond,
		RetryBackoffMax:    20 * time.Second,
		RetryJitter:        500 * time.Millisecond,
		HumanDelayMin:      500 * time.Millisecond,
		HumanDelayMax:      1500 * time.Millisecond,
		RequestsPerSecond:  0,
		PageCacheSize:      256,
		UserAgents:         append([]string(nil), DefaultUserAgents...),
		AcceptLanguage:     "es-CL,es;q=0.9",
		Referer:            "https://www.google.com/",
		RespectRobotsTxt:   false,
		MinPrice:           100,
		MaxPrice:           1_000_000,
		StructuredFloor:    500,
		ScriptFloor:        500,
		TieBreak:           TieBreakFrequency,
		Source:             "sqlite:data/prices.db",
		Sink:               "sqlite:data/prices.db",
		PipelineBufferSize: 128,
		BatchSize:          50,
		RenderTimeout:      60 * time.Second,
		Verbose:            false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RetryJitter < 0 {
		return fmt.Errorf("retry jitter cannot be negative")
	}
	if c.HumanDelayMin < 0 || c.HumanDelayMax < 0 {
		return fmt.Errorf("human delay cannot be negative")
	}
	if c.HumanDelayMax < c.HumanDelayMin {
		return fmt.Errorf("human delay max (%s) cannot be below min (%s)", c.HumanDelayMax, c.HumanDelayMin)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.PageCacheSize < 0 {
		return fmt.Errorf("page cache size cannot be negative")
	}
	if len(c.UserAgents) == 0 {
		return fmt.Errorf("user agent pool cannot be empty")
	}
	for _, ua := range c.UserAgents {
		if strings.TrimSpace(ua) == "" {
			return fmt.Errorf("user agent pool contains an empty entry")
		}
	}
	if c.MinPrice <= 0 {
		return fmt.Errorf("min price must be positive")
	}
	if c.MaxPrice < c.MinPrice {
		return fmt.Errorf("max price (%d) cannot be below min price (%d)", c.MaxPrice, c.MinPrice)
	}
	if c.StructuredFloor < 0 || c.ScriptFloor < 0 {
		return fmt.Errorf("price floors cannot be negative")
	}
	switch c.TieBreak {
	case TieBreakFrequency, TieBreakSmallest, TieBreakLast:
	default:
		return fmt.Errorf("tie break must be %s, %s, or %s", TieBreakFrequency, TieBreakSmallest, TieBreakLast)
	}
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if strings.TrimSpace(c.Sink) == "" {
		return fmt.Errorf("sink cannot be empty")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("render timeout must be positive")
	}

	return nil
}
