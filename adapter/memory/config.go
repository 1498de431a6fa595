package memory

import (
	"fmt"
	"time"
)

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxRedeliveries bounds how often a Nacked message is redelivered
	// before it is dead-lettered or dropped (default: 5).
	MaxRedeliveries int
	// DeadLetter is the topic exhausted messages are published to. Empty drops them.
	DeadLetter string
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
}

// Defaults returns the development defaults.
func Defaults() Config {
	return Config{
		BufferSize:      1024,
		Concurrency:     1,
		MaxRedeliveries: 5,
		AssignIDs:       true,
	}
}

// Validate rejects settings the transport cannot run with.
func (c Config) Validate() error {
	if c.BufferSize < 1 {
		return fmt.Errorf("config: buffer_size must be >= 1, got %d", c.BufferSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.MaxRedeliveries < 0 {
		return fmt.Errorf("config: max_redeliveries must be >= 0, got %d", c.MaxRedeliveries)
	}
	return nil
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"max_redeliveries": c.MaxRedeliveries,
		"dead_letter":      c.DeadLetter,
		"assign_ids":       c.AssignIDs,
	}
}

// ConfigFromMap reads a generic map on top of Defaults. Numbers may arrive as
// any integer type or float64 (YAML/JSON decoders), durations as strings.
func ConfigFromMap(cfg map[string]any) Config {
	d := Defaults()

	getInt := func(k string, def int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return def
		}
	}

	getBool := func(k string, def bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return def
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

	dl, _ := cfg["dead_letter"].(string)

	return Config{
		BufferSize:      max(1, getInt("buffer_size", d.BufferSize)),
		Concurrency:     max(1, getInt("concurrency", d.Concurrency)),
		RedeliveryDelay: getDur("redelivery_delay", d.RedeliveryDelay),
		MaxRedeliveries: max(0, getInt("max_redeliveries", d.MaxRedeliveries)),
		DeadLetter:      dl,
		AssignIDs:       getBool("assign_ids", d.AssignIDs),
	}
}
