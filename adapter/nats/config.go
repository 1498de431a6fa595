package nats

import (
	"fmt"
	"time"
)

// Config controls the NATS transport.
type Config struct {
	// URL is the server URL list, comma separated (default: nats://127.0.0.1:4222).
	URL string
	// Name is the client connection name (default: cebus).
	Name string
	// ConnectTimeout bounds the initial dial (default: 5s).
	ConnectTimeout time.Duration
	// FlushTimeout bounds the flush after each Publish call; 0 skips flushing (default: 1s).
	FlushTimeout time.Duration
	// BufferSize is the per-subscription message channel size (default: 256).
	BufferSize int
	// Concurrency is the number of handler goroutines per subscription (default: 4).
	Concurrency int
}

func Defaults() Config {
	return Config{
		URL:            "nats://127.0.0.1:4222",
		Name:           "cebus",
		ConnectTimeout: 5 * time.Second,
		FlushTimeout:   time.Second,
		BufferSize:     256,
		Concurrency:    4,
	}
}

// Validate rejects settings the transport cannot run with.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout must be > 0")
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("config: buffer_size must be >= 1, got %d", c.BufferSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":             c.URL,
		"name":            c.Name,
		"connect_timeout": c.ConnectTimeout,
		"flush_timeout":   c.FlushTimeout,
		"buffer_size":     c.BufferSize,
		"concurrency":     c.Concurrency,
	}
}

// ConfigFromMap reads a generic map on top of Defaults.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()

	getStr := func(k, def string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(k string, def int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return def
		}
	}
	getDur := func(k string, def time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return def
	}

	return Config{
		URL:            getStr("url", d.URL),
		Name:           getStr("name", d.Name),
		ConnectTimeout: getDur("connect_timeout", d.ConnectTimeout),
		FlushTimeout:   getDur("flush_timeout", d.FlushTimeout),
		BufferSize:     max(1, getInt("buffer_size", d.BufferSize)),
		Concurrency:    max(1, getInt("concurrency", d.Concurrency)),
	}
}
