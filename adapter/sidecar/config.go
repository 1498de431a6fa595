package sidecar

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config controls the sidecar transport.
type Config struct {
	// BaseURL is the sidecar HTTP endpoint (default: http://127.0.0.1:3500).
	BaseURL string
	// PubSubName is the pub/sub component name (default: pubsub).
	PubSubName string
	// RoutePrefix prefixes subscription routes served by the Transport (default: /cebus).
	RoutePrefix string
	// Timeout bounds each publish request (default: 5s).
	Timeout time.Duration
	// MaxBodyBytes caps delivered request bodies (default: 4 MiB).
	MaxBodyBytes int64
}

func Defaults() Config {
	return Config{
		BaseURL:      "http://127.0.0.1:3500",
		PubSubName:   "pubsub",
		RoutePrefix:  "/cebus",
		Timeout:      5 * time.Second,
		MaxBodyBytes: 4 << 20,
	}
}

// Validate rejects settings the transport cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: base_url %q is not an absolute URL", c.BaseURL)
	}
	if c.PubSubName == "" {
		return fmt.Errorf("config: pubsub_name must not be empty")
	}
	if c.RoutePrefix != "" && !strings.HasPrefix(c.RoutePrefix, "/") {
		return fmt.Errorf("config: route_prefix must start with '/', got %q", c.RoutePrefix)
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("config: max_body_bytes must be >= 1")
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"base_url":       c.BaseURL,
		"pubsub_name":    c.PubSubName,
		"route_prefix":   c.RoutePrefix,
		"timeout":        c.Timeout,
		"max_body_bytes": c.MaxBodyBytes,
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
	getInt64 := func(k string, def int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
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
		BaseURL:      strings.TrimRight(getStr("base_url", d.BaseURL), "/"),
		PubSubName:   getStr("pubsub_name", d.PubSubName),
		RoutePrefix:  strings.TrimRight(getStr("route_prefix", d.RoutePrefix), "/"),
		Timeout:      getDur("timeout", d.Timeout),
		MaxBodyBytes: getInt64("max_body_bytes", d.MaxBodyBytes),
	}
}
