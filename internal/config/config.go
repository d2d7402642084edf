// Package config loads the client configuration from a YAML file with
// environment overrides and turns it into the session, delivery and
// transport settings the binaries wire together.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/moqlink/internal/delivery"
	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/packager"
	"github.com/zsiec/moqlink/internal/session"
	"github.com/zsiec/moqlink/internal/transport"
)

// Defaults for fields left empty in the file.
const (
	DefaultURL                    = "https://localhost:4443/moq"
	DefaultTransport              = "webtransport"
	DefaultSubscribeRetryInterval = 2000 // ms
	DefaultStatsInterval          = 5000 // ms
)

// Config is the client configuration.
type Config struct {
	URL         string `yaml:"url"`
	Transport   string `yaml:"transport"`
	Insecure    bool   `yaml:"insecure"`
	Fingerprint string `yaml:"fingerprint"`

	Role string `yaml:"role"`
	// Path is sent as the setup PATH parameter on raw QUIC.
	Path string `yaml:"path"`
	// Versions lists the MoQ drafts to offer, e.g. [15, 14].
	Versions      []int  `yaml:"versions"`
	MaxRequestID  uint64 `yaml:"maxRequestId"`
	PublishTracks bool   `yaml:"publishTracks"`

	SubscribeRetryInterval int  `yaml:"subscribeRetryInterval"` // ms
	IsSendingStats         bool `yaml:"isSendingStats"`
	StatsInterval          int  `yaml:"statsInterval"` // ms

	LogLevel string `yaml:"logLevel"`

	Tracks  map[string]Track `yaml:"tracks"`
	Playout Playout          `yaml:"playout"`
}

// Track configures one track, keyed by its media-type key in Config.Tracks.
type Track struct {
	Namespace []string `yaml:"namespace"`
	Name      string   `yaml:"name"`
	AuthInfo  string   `yaml:"authInfo"`

	Kind      string `yaml:"kind"`
	Packaging string `yaml:"packaging"`
	// Codec, SampleRate and Channels describe the bitstream for MI packaging.
	Codec      string `yaml:"codec"`
	SampleRate int    `yaml:"sampleRate"`
	Channels   int    `yaml:"channels"`

	MoqMapping          string `yaml:"moqMapping"`
	MaxInFlightRequests int    `yaml:"maxInFlightRequests"`
	IsHighPriority      bool   `yaml:"isHighPriority"`
	PublisherPriority   int    `yaml:"publisherPriority"`
	SubscriberPriority  int    `yaml:"subscriberPriority"`
	GroupOrder          string `yaml:"groupOrder"`
	Filter              string `yaml:"filter"`

	// Timebase is the output timebase of received chunks; 0 keeps the wire
	// timebase.
	Timebase uint64 `yaml:"timebase"`
}

// Playout configures the receive-side playout pipeline.
type Playout struct {
	// DecodeQueueWarnMs logs a warning when a decode queue holds more media
	// than this.
	DecodeQueueWarnMs int64 `yaml:"decodeQueueWarnMs"`
	// RenderDelayMs holds frames this long behind the newest one.
	RenderDelayMs int64 `yaml:"renderDelayMs"`
}

// Default returns a configuration with every default applied and no tracks.
func Default() *Config {
	return &Config{
		URL:                    DefaultURL,
		Transport:              DefaultTransport,
		Role:                   "subscriber",
		MaxRequestID:           session.DefaultMaxRequestID,
		SubscribeRetryInterval: DefaultSubscribeRetryInterval,
		StatsInterval:          DefaultStatsInterval,
		LogLevel:               "info",
		Tracks:                 map[string]Track{},
		Playout: Playout{
			DecodeQueueWarnMs: 500,
			RenderDelayMs:     100,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Demo returns the defaults for role with a video, audio and data track
// under the moqlink/demo namespace, environment overrides applied.
func Demo(role string) (*Config, error) {
	cfg := Default()
	cfg.Role = role
	ns := []string{"moqlink", "demo"}
	cfg.Tracks = map[string]Track{
		"video": {Namespace: ns, Name: "video", Kind: "video", PublisherPriority: 2, MaxInFlightRequests: 30, Timebase: 90000},
		"audio": {Namespace: ns, Name: "audio", Kind: "audio", IsHighPriority: true, PublisherPriority: 1, MaxInFlightRequests: 60, Timebase: 48000},
		"data":  {Namespace: ns, Name: "data", Kind: "data", MoqMapping: "ObjPerDatagram", PublisherPriority: 3},
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.URL = envOr("MOQLINK_URL", c.URL)
	c.Transport = envOr("MOQLINK_TRANSPORT", c.Transport)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("MOQLINK_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MOQLINK_INSECURE: %w", err)
		}
		c.Insecure = b
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.Transport != "webtransport" && c.Transport != "quic" {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	role, err := session.ParseRole(c.Role)
	if err != nil {
		errs = append(errs, err)
	}
	if _, err := c.versions(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Tracks) == 0 {
		errs = append(errs, errors.New("no tracks configured"))
	}
	for _, key := range c.TrackKeys() {
		if err := c.Tracks[key].validate(role); err != nil {
			errs = append(errs, fmt.Errorf("track %s: %w", key, err))
		}
	}
	if len(errs) == 0 {
		if _, err := c.Packagers(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (t Track) validate(role session.Role) error {
	var errs []error
	if t.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(t.Namespace) == 0 {
		errs = append(errs, errors.New("namespace is required"))
	}
	if _, err := media.ParseKind(t.Kind); err != nil {
		errs = append(errs, err)
	}
	if _, err := packager.ParseFormat(t.Packaging); err != nil {
		errs = append(errs, err)
	}
	if _, err := session.ParseMapping(t.MoqMapping); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseGroupOrder(t.GroupOrder); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseFilter(t.Filter); err != nil {
		errs = append(errs, err)
	}
	if t.MaxInFlightRequests < 0 {
		errs = append(errs, errors.New("maxInFlightRequests must not be negative"))
	}
	if t.PublisherPriority < 0 || t.PublisherPriority > 255 {
		errs = append(errs, fmt.Errorf("publisherPriority %d out of range", t.PublisherPriority))
	}
	if t.SubscriberPriority < 0 || t.SubscriberPriority > 255 {
		errs = append(errs, fmt.Errorf("subscriberPriority %d out of range", t.SubscriberPriority))
	}
	if role == session.RolePublisher && t.Filter != "" {
		errs = append(errs, errors.New("filter applies to subscribers only"))
	}
	return errors.Join(errs...)
}

func parseGroupOrder(s string) (byte, error) {
	switch strings.ToLower(s) {
	case "", "default", "publisher":
		return moq.GroupOrderDefault, nil
	case "ascending":
		return moq.GroupOrderAscending, nil
	case "descending":
		return moq.GroupOrderDescending, nil
	}
	return 0, fmt.Errorf("unknown group order %q", s)
}

// parseFilter accepts the live filters only; ranged subscriptions are made
// by the peer.
func parseFilter(s string) (uint64, error) {
	switch s {
	case "", "largestObject", "LargestObject":
		return moq.FilterLargestObject, nil
	case "nextGroupStart", "NextGroupStart":
		return moq.FilterNextGroupStart, nil
	}
	return 0, fmt.Errorf("unknown filter %q", s)
}

func (c *Config) versions() ([]moq.Version, error) {
	if len(c.Versions) == 0 {
		return moq.SupportedVersions, nil
	}
	out := make([]moq.Version, 0, len(c.Versions))
	for _, d := range c.Versions {
		v := moq.Version(0xff000000 + uint64(d))
		if d <= 0 || !slices.Contains(moq.SupportedVersions, v) {
			return nil, fmt.Errorf("unsupported draft %d", d)
		}
		out = append(out, v)
	}
	return out, nil
}

// TrackKeys returns the configured track keys in sorted order.
func (c *Config) TrackKeys() []string {
	keys := make([]string, 0, len(c.Tracks))
	for k := range c.Tracks {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Session returns the session configuration. The config must be valid.
func (c *Config) Session(id string, log *slog.Logger) (session.Config, error) {
	role, err := session.ParseRole(c.Role)
	if err != nil {
		return session.Config{}, err
	}
	versions, err := c.versions()
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.Config{
		ID:             id,
		Role:           role,
		Path:           c.Path,
		Versions:       versions,
		MaxRequestID:   c.MaxRequestID,
		PublishTracks:  c.PublishTracks,
		SubscribeRetry: time.Duration(c.SubscribeRetryInterval) * time.Millisecond,
		Log:            log,
	}
	for _, key := range c.TrackKeys() {
		tc, err := c.Tracks[key].session(key)
		if err != nil {
			return session.Config{}, fmt.Errorf("track %s: %w", key, err)
		}
		cfg.Tracks = append(cfg.Tracks, tc)
	}
	return cfg, nil
}

func (t Track) session(key string) (session.TrackConfig, error) {
	mapping, err := session.ParseMapping(t.MoqMapping)
	if err != nil {
		return session.TrackConfig{}, err
	}
	order, err := parseGroupOrder(t.GroupOrder)
	if err != nil {
		return session.TrackConfig{}, err
	}
	filter, err := parseFilter(t.Filter)
	if err != nil {
		return session.TrackConfig{}, err
	}
	return session.TrackConfig{
		Key:                 key,
		Namespace:           t.Namespace,
		Name:                t.Name,
		AuthInfo:            t.AuthInfo,
		Mapping:             mapping,
		MaxInFlightRequests: t.MaxInFlightRequests,
		HighPriority:        t.IsHighPriority,
		PublisherPriority:   byte(t.PublisherPriority),
		SubscriberPriority:  byte(t.SubscriberPriority),
		GroupOrder:          order,
		Filter:              filter,
	}, nil
}

// Packagers returns the packager of every track.
func (c *Config) Packagers() (map[string]packager.Packager, error) {
	out := make(map[string]packager.Packager, len(c.Tracks))
	for _, key := range c.TrackKeys() {
		t := c.Tracks[key]
		kind, err := media.ParseKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", key, err)
		}
		format, err := packager.ParseFormat(t.Packaging)
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", key, err)
		}
		p, err := packager.New(format, kind, packager.Options{Codec: t.Codec, SampleRate: t.SampleRate, Channels: t.Channels})
		if err != nil {
			return nil, fmt.Errorf("track %s: %w", key, err)
		}
		out[key] = p
	}
	return out, nil
}

// Sender returns the send-path configuration.
func (c *Config) Sender(log *slog.Logger) (delivery.SenderConfig, error) {
	pkgs, err := c.Packagers()
	if err != nil {
		return delivery.SenderConfig{}, err
	}
	return delivery.SenderConfig{
		Packagers:      pkgs,
		IsSendingStats: c.IsSendingStats,
		StatsInterval:  time.Duration(c.StatsInterval) * time.Millisecond,
		Log:            log,
	}, nil
}

// Receiver returns the receive-path configuration. Video tracks are gated
// on key chunks.
func (c *Config) Receiver(log *slog.Logger) (delivery.ReceiverConfig, error) {
	pkgs, err := c.Packagers()
	if err != nil {
		return delivery.ReceiverConfig{}, err
	}
	cfg := delivery.ReceiverConfig{
		Packagers:      pkgs,
		Timebases:      make(map[string]uint64),
		IsSendingStats: c.IsSendingStats,
		StatsInterval:  time.Duration(c.StatsInterval) * time.Millisecond,
		Log:            log,
	}
	for _, key := range c.TrackKeys() {
		t := c.Tracks[key]
		switch t.Kind {
		case "video":
			cfg.GatedTracks = append(cfg.GatedTracks, key)
		case "data":
			cfg.DataTracks = append(cfg.DataTracks, key)
		}
		if t.Timebase != 0 {
			cfg.Timebases[key] = t.Timebase
		}
	}
	return cfg, nil
}

// TransportOptions returns the dial options.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Transport:   c.Transport,
		URL:         c.URL,
		Insecure:    c.Insecure,
		Fingerprint: c.Fingerprint,
	}
}

// ParseLogLevel converts a level name to a slog.Level. Unknown names map to
// info with a notice on stderr.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	fmt.Fprintf(os.Stderr, "unknown log level %q, using info\n", level)
	return slog.LevelInfo
}
