// Package config loads sockethub server settings from a YAML or JSON file
// and turns them into sockethub.ServerOptions.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"
	"golang.org/x/time/rate"

	"github.com/mroth/sockethub"
)

// Config is the file representation of a server. Durations are Go
// duration strings ("500ms", "5s").
type Config struct {
	Listen   string `json:"listen"`
	Path     string `json:"path"`
	Admin    bool   `json:"admin"`
	LogLevel string `json:"log_level"`

	AckMessageTypes []string `json:"ack_message_types"`
	ResendDelay     string   `json:"resend_delay"`
	MaxRetries      int      `json:"max_retries"`
	EchoToSender    bool     `json:"echo_to_sender"`

	ConnBufferSize uint             `json:"conn_buffer_size"`
	AllowedOrigins []string         `json:"allowed_origins"`
	RateLimit      *RateLimitConfig `json:"rate_limit,omitempty"`

	Identity IdentityConfig `json:"identity"`
	PubSub   PubSubConfig   `json:"pubsub"`
	NATS     NATSConfig     `json:"nats"`
}

// RateLimitConfig limits inbound frames per connection.
type RateLimitConfig struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

// IdentityConfig resolves connection identities from request headers set
// by an authenticating proxy. Header holds the user key; UserProps maps
// record properties to the headers carrying them.
type IdentityConfig struct {
	Header    string            `json:"header"`
	UserProps map[string]string `json:"user_props"`
}

// PubSubConfig configures the external topic.
type PubSubConfig struct {
	Topic        string   `json:"topic"`
	MessageTypes []string `json:"message_types"`
}

// NATSConfig enables the NATS bridge when URL is set.
type NATSConfig struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Defaults applied by Parse to omitted fields.
const (
	DefaultListen = ":8080"
	DefaultPath   = "/ws"
)

// Parse reads and validates the config file at path. Files ending in
// .yaml or .yml are YAML, anything else is JSON. Unknown fields are
// rejected.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(path, b)
}

func parse(path string, b []byte) (*Config, error) {
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", path)
		}
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the values that cannot be checked by decoding.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.resendDelay(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries: must be >= 0"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if rl := c.RateLimit; rl != nil && (rl.PerSecond <= 0 || rl.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit: per_second and burst must be positive"))
	}
	if len(c.PubSub.MessageTypes) > 0 && c.NATS.URL == "" {
		errs = append(errs, errors.New("pubsub.message_types: needs nats.url"))
	}
	if c.NATS.URL != "" && c.PubSub.Topic == "" {
		errs = append(errs, errors.New("nats.url: needs pubsub.topic"))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path: %q must start with /", c.Path))
	}
	return errors.Join(errs...)
}

func (c *Config) resendDelay() (time.Duration, error) {
	s := strings.TrimSpace(c.ResendDelay)
	if s == "" {
		return sockethub.DefaultResendDelay, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("resend_delay: invalid duration %q: %w", c.ResendDelay, err)
	}
	if d <= 0 {
		return 0, errors.New("resend_delay: must be > 0")
	}
	return d, nil
}

// Level is the configured log level, info when unset.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Delivery returns the settings that can be applied to a running server
// with Server.SetDeliveryOptions.
func (c *Config) Delivery() (sockethub.DeliveryOptions, error) {
	d, err := c.resendDelay()
	if err != nil {
		return sockethub.DeliveryOptions{}, err
	}
	return sockethub.DeliveryOptions{
		AckMessageTypes: append([]string(nil), c.AckMessageTypes...),
		ResendDelay:     d,
		MaxRetries:      c.MaxRetries,
		EchoToSender:    c.EchoToSender,
	}, nil
}

// ServerOptions converts the file settings to server options. The NATS
// bridge needs a live connection and is wired by the caller.
func (c *Config) ServerOptions() ([]sockethub.ServerOption, error) {
	delivery, err := c.Delivery()
	if err != nil {
		return nil, err
	}
	opts := []sockethub.ServerOption{sockethub.WithDeliveryOptions(delivery)}

	if c.ConnBufferSize > 0 {
		opts = append(opts, sockethub.WithConnBufferSize(c.ConnBufferSize))
	}
	if len(c.AllowedOrigins) > 0 {
		opts = append(opts, sockethub.WithAllowedOrigins(c.AllowedOrigins...))
	}
	if rl := c.RateLimit; rl != nil {
		opts = append(opts, sockethub.WithInboundRateLimit(rate.Limit(rl.PerSecond), rl.Burst))
	}
	if c.PubSub.Topic != "" {
		opts = append(opts, sockethub.WithPubSubTopic(c.PubSub.Topic))
	}
	if len(c.PubSub.MessageTypes) > 0 {
		opts = append(opts, sockethub.WithPubSubMessageTypes(c.PubSub.MessageTypes...))
	}
	if c.Identity.Header != "" || len(c.Identity.UserProps) > 0 {
		props := make([]string, 0, len(c.Identity.UserProps))
		for p := range c.Identity.UserProps {
			props = append(props, p)
		}
		if len(props) > 0 {
			opts = append(opts, sockethub.WithUserProps(props...))
		}
		opts = append(opts, sockethub.WithIdentityResolver(c.Identity.resolver()))
	}
	return opts, nil
}

func (ic IdentityConfig) resolver() sockethub.IdentityResolver {
	return func(r *http.Request) (*sockethub.Identity, error) {
		var id sockethub.Identity
		if ic.Header != "" {
			id.Key = r.Header.Get(ic.Header)
		}
		for prop, header := range ic.UserProps {
			if v := r.Header.Get(header); v != "" {
				if id.Record == nil {
					id.Record = make(sockethub.UserRecord)
				}
				id.Record[prop] = v
			}
		}
		if id.Key == "" && id.Record == nil {
			return nil, nil
		}
		return &id, nil
	}
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		return []byte("{}"), nil
	}

	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
