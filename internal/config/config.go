// Package config loads the sync engine configuration from a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// DefaultPath is used when neither --config nor SYNC_CONFIG is set
const DefaultPath = "config/sync.json"

// Duration accepts "5s" style strings or integer milliseconds
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("duration must be a string or milliseconds, got %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Peer is one entry of the relay list. Read and write default to true.
type Peer struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// UnmarshalJSON accepts either a bare URL string or an object
func (p *Peer) UnmarshalJSON(data []byte) error {
	var url string
	if err := json.Unmarshal(data, &url); err == nil {
		*p = Peer{URL: url, Read: true, Write: true}
		return nil
	}
	type rawPeer struct {
		URL   string `json:"url"`
		Read  *bool  `json:"read"`
		Write *bool  `json:"write"`
	}
	var raw rawPeer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Peer{URL: raw.URL, Read: raw.Read == nil || *raw.Read, Write: raw.Write == nil || *raw.Write}
	return nil
}

// Backoff parameters for reconnecting to a peer
type Backoff struct {
	Base         Duration `json:"base"`
	Cap          Duration `json:"cap"`
	Jitter       float64  `json:"jitter"`       // fraction of the delay, 0..1
	DeadAfter    int      `json:"deadAfter"`    // consecutive failures before Dead
	DeadInterval Duration `json:"deadInterval"` // slow retry cadence while Dead
}

// Resolver parameters for follow-up queries
type Resolver struct {
	Window          Duration `json:"window"`
	BatchSize       int      `json:"batchSize"`
	Retries         int      `json:"retries"`
	QueueSize       int      `json:"queueSize"`
	AbandonedMemory int      `json:"abandonedMemory"`
}

// Redis selects the Redis-backed local store when URL is set
type Redis struct {
	URL    string `json:"url"`
	Prefix string `json:"prefix"`
}

// View is a timeline opened at startup
type View struct {
	Name      string         `json:"name"`
	Filters   []types.Filter `json:"filters"`
	NotesOnly bool           `json:"notesOnly"`
}

// Config is the whole configuration surface
type Config struct {
	Peers              []Peer   `json:"peers"`
	Backoff            Backoff  `json:"backoff"`
	DialTimeout        Duration `json:"dialTimeout"`
	WriteTimeout       Duration `json:"writeTimeout"`
	PingInterval       Duration `json:"pingInterval"`
	ReadTimeout        Duration `json:"readTimeout"`
	AllowPrivateRelays bool     `json:"allowPrivateRelays"`
	ReplayTimeout      Duration `json:"replayTimeout"`
	ResubscribeBudget  int      `json:"resubscribeBudget"` // 0 = unlimited
	SinceOptimize      bool     `json:"sinceOptimize"`
	Resolver           Resolver `json:"resolver"`
	FactCacheSize      int      `json:"factCacheSize"`
	VerifySignatures   bool     `json:"verifySignatures"`
	PageSize           int      `json:"pageSize"`
	Redis              Redis    `json:"redis"`
	Views              []View   `json:"views"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Peers: []Peer{
			{URL: "wss://relay.damus.io", Read: true, Write: true},
			{URL: "wss://relay.primal.net", Read: true, Write: true},
			{URL: "wss://nos.lol", Read: true, Write: true},
			{URL: "wss://relay.nostr.band", Read: true, Write: false},
		},
		Backoff: Backoff{
			Base:         Duration(time.Second),
			Cap:          Duration(60 * time.Second),
			Jitter:       0.2,
			DeadAfter:    8,
			DeadInterval: Duration(5 * time.Minute),
		},
		DialTimeout:       Duration(10 * time.Second),
		WriteTimeout:      Duration(10 * time.Second),
		PingInterval:      Duration(25 * time.Second),
		ReadTimeout:       Duration(90 * time.Second),
		ReplayTimeout:     Duration(8 * time.Second),
		ResubscribeBudget: 10,
		Resolver: Resolver{
			Window:          Duration(300 * time.Millisecond),
			BatchSize:       100,
			Retries:         3,
			QueueSize:       1024,
			AbandonedMemory: 4096,
		},
		FactCacheSize:    10000,
		VerifySignatures: true,
		PageSize:         50,
		Redis:            Redis{Prefix: "nostr-sync:"},
		Views: []View{
			{Name: "global", Filters: []types.Filter{{Kinds: []int{types.KindTextNote}, Limit: 100}}, NotesOnly: true},
		},
	}
}

// ResolvePath picks the config file: explicit flag, then SYNC_CONFIG, then DefaultPath
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("SYNC_CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults; unreadable or invalid files are errors.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	slog.Info("loaded sync configuration",
		"path", path,
		"peers", len(cfg.Peers),
		"views", len(cfg.Views),
		"redis", cfg.Redis.URL != "")
	return cfg, nil
}

// Validate checks the configuration and canonicalizes peer URLs in place
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	seen := make(map[string]bool, len(c.Peers))
	for i := range c.Peers {
		url, err := nostr.NormalizeRelayURL(c.Peers[i].URL)
		if err != nil {
			invalid("peer %q: %v", c.Peers[i].URL, err)
			continue
		}
		if seen[url] {
			invalid("duplicate peer %q", url)
			continue
		}
		seen[url] = true
		c.Peers[i].URL = url
	}

	positive := map[string]Duration{
		"backoff.base":         c.Backoff.Base,
		"backoff.cap":          c.Backoff.Cap,
		"backoff.deadInterval": c.Backoff.DeadInterval,
		"dialTimeout":          c.DialTimeout,
		"writeTimeout":         c.WriteTimeout,
		"pingInterval":         c.PingInterval,
		"readTimeout":          c.ReadTimeout,
		"replayTimeout":        c.ReplayTimeout,
		"resolver.window":      c.Resolver.Window,
	}
	for name, d := range positive {
		if d <= 0 {
			invalid("%s must be positive", name)
		}
	}
	if c.Backoff.Cap < c.Backoff.Base {
		invalid("backoff.cap is below backoff.base")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		invalid("backoff.jitter must be within [0,1]")
	}
	if c.Backoff.DeadAfter <= 0 {
		invalid("backoff.deadAfter must be positive")
	}
	if c.ReadTimeout > 0 && c.ReadTimeout <= c.PingInterval {
		invalid("readTimeout must exceed pingInterval")
	}
	if c.ResubscribeBudget < 0 {
		invalid("resubscribeBudget must not be negative")
	}
	if c.Resolver.BatchSize <= 0 || c.Resolver.QueueSize <= 0 || c.Resolver.AbandonedMemory <= 0 {
		invalid("resolver sizes must be positive")
	}
	if c.Resolver.Retries < 0 {
		invalid("resolver.retries must not be negative")
	}
	if c.FactCacheSize <= 0 {
		invalid("factCacheSize must be positive")
	}
	if c.PageSize <= 0 {
		invalid("pageSize must be positive")
	}

	names := make(map[string]bool, len(c.Views))
	for _, v := range c.Views {
		if v.Name == "" || names[v.Name] {
			invalid("view names must be unique and non-empty (%q)", v.Name)
		}
		names[v.Name] = true
		if len(v.Filters) == 0 {
			invalid("view %q has no filters", v.Name)
		}
	}
	return errors.Join(errs...)
}

// Source holds the live configuration and reloads it on demand
type Source struct {
	path string
	mu   sync.RWMutex
	cfg  *Config
}

// NewSource loads path and keeps it for Reload
func NewSource(path string) (*Source, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Source{path: path, cfg: cfg}, nil
}

// Get returns the current configuration (thread-safe)
func (s *Source) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload re-reads the file. On error the previous configuration stays active.
func (s *Source) Reload() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous configuration", "path", s.path, "error", err)
		return s.Get(), err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	slog.Info("sync configuration reloaded", "peers", len(cfg.Peers))
	return cfg, nil
}
