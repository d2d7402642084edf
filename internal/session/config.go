package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/moqlink/internal/moq"
)

// DefaultSubscribeRetry is the wait before re-sending a rejected SUBSCRIBE.
const DefaultSubscribeRetry = 2000 * time.Millisecond

// DefaultMaxRequestID is the request budget advertised to the peer.
const DefaultMaxRequestID = 64

// Role is the side of the pub/sub exchange a session plays.
type Role uint8

const (
	RolePublisher Role = iota + 1
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole maps a configuration string to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "publisher", "pub":
		return RolePublisher, nil
	case "subscriber", "sub":
		return RoleSubscriber, nil
	}
	return 0, fmt.Errorf("session: unknown role %q", s)
}

// wire returns the setup ROLE parameter value.
func (r Role) wire() uint64 {
	if r == RolePublisher {
		return moq.RolePublisher
	}
	return moq.RoleSubscriber
}

// Mapping selects how a track's objects are carried.
type Mapping uint8

const (
	// MappingObjStream sends each object on its own subgroup stream.
	MappingObjStream Mapping = iota
	// MappingObjDatagram sends each object as one datagram.
	MappingObjDatagram
)

func (m Mapping) String() string {
	if m == MappingObjDatagram {
		return "ObjPerDatagram"
	}
	return "ObjPerStream"
}

// ParseMapping maps a configuration string to a Mapping.
func ParseMapping(s string) (Mapping, error) {
	switch s {
	case "ObjPerStream", "stream", "":
		return MappingObjStream, nil
	case "ObjPerDatagram", "datagram":
		return MappingObjDatagram, nil
	}
	return 0, fmt.Errorf("session: unknown moq mapping %q", s)
}

// TrackConfig describes one configured track.
type TrackConfig struct {
	// Key is the logical media-type key the application uses ("video",
	// "audio", "data").
	Key       string
	Namespace []string
	Name      string
	// AuthInfo is the shared secret a subscriber must present.
	AuthInfo string

	Mapping             Mapping
	MaxInFlightRequests int
	HighPriority        bool
	PublisherPriority   byte
	SubscriberPriority  byte
	GroupOrder          byte
	Filter              uint64
}

// Config configures a Session.
type Config struct {
	ID   string
	Role Role
	// Path is sent as the setup PATH parameter when non-empty (raw QUIC).
	Path     string
	Versions []moq.Version
	// MaxRequestID is the request budget advertised to the peer.
	MaxRequestID uint64
	Tracks       []TrackConfig
	// PublishTracks makes a publisher send PUBLISH per track instead of
	// ANNOUNCE per namespace.
	PublishTracks  bool
	SubscribeRetry time.Duration
	Log            *slog.Logger
}

func (c *Config) setDefaults() {
	if len(c.Versions) == 0 {
		c.Versions = moq.SupportedVersions
	}
	if c.MaxRequestID == 0 {
		c.MaxRequestID = DefaultMaxRequestID
	}
	if c.SubscribeRetry <= 0 {
		c.SubscribeRetry = DefaultSubscribeRetry
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	for i := range c.Tracks {
		if c.Tracks[i].Filter == 0 {
			c.Tracks[i].Filter = moq.FilterLargestObject
		}
	}
}
