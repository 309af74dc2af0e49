package models

import "time"

// TransportKind selects how an exchange feed is consumed.
type TransportKind string

const (
	// KindWebsocket feeds push book updates over a persistent connection.
	KindWebsocket TransportKind = "websocket"
	// KindHTTP feeds are polled over plain request/response depth endpoints.
	KindHTTP TransportKind = "http"
)

// Default connection tunables applied when a descriptor leaves them unset.
const (
	DefaultPingIntervalSeconds     = 30
	DefaultPollingIntervalSeconds  = 5
	DefaultMaxReconnectAttempts    = 5
	DefaultReconnectBackoffSeconds = 5
	DefaultDepthLimit              = 50
)

// ExchangeOptions tunes a single exchange connection.
type ExchangeOptions struct {
	PingIntervalSeconds     int    `yaml:"ping_interval_seconds" json:"ping_interval_seconds,omitempty"`
	PollingIntervalSeconds  int    `yaml:"polling_interval_seconds" json:"polling_interval_seconds,omitempty"`
	MaxReconnectAttempts    int    `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts,omitempty"`
	ReconnectBackoffSeconds int    `yaml:"reconnect_backoff_seconds" json:"reconnect_backoff_seconds,omitempty"`
	EndpointTemplate        string `yaml:"endpoint_template" json:"endpoint_template,omitempty"`
	DepthLimit              int    `yaml:"depth_limit" json:"depth_limit,omitempty"`
}

// PingInterval returns the keepalive cadence as a duration.
func (o ExchangeOptions) PingInterval() time.Duration {
	return time.Duration(o.PingIntervalSeconds) * time.Second
}

// PollingInterval returns the REST polling cadence as a duration.
func (o ExchangeOptions) PollingInterval() time.Duration {
	return time.Duration(o.PollingIntervalSeconds) * time.Second
}

// ReconnectBackoff returns the wait between reconnect attempts.
func (o ExchangeOptions) ReconnectBackoff() time.Duration {
	return time.Duration(o.ReconnectBackoffSeconds) * time.Second
}

// ExchangeDescriptor identifies one upstream exchange and how to reach it.
// The transport kind travels as "type" on the wire.
type ExchangeDescriptor struct {
	Name    string          `yaml:"name" json:"name"`
	URL     string          `yaml:"url" json:"url"`
	Kind    TransportKind   `yaml:"kind" json:"type"`
	Options ExchangeOptions `yaml:"options" json:"options"`
}

// WithDefaults returns a copy of the descriptor with unset option fields
// filled from the service-wide defaults.
func (d ExchangeDescriptor) WithDefaults() ExchangeDescriptor {
	if d.Kind == "" {
		d.Kind = KindWebsocket
	}
	if d.Options.PingIntervalSeconds <= 0 {
		d.Options.PingIntervalSeconds = DefaultPingIntervalSeconds
	}
	if d.Options.PollingIntervalSeconds <= 0 {
		d.Options.PollingIntervalSeconds = DefaultPollingIntervalSeconds
	}
	if d.Options.MaxReconnectAttempts <= 0 {
		d.Options.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if d.Options.ReconnectBackoffSeconds <= 0 {
		d.Options.ReconnectBackoffSeconds = DefaultReconnectBackoffSeconds
	}
	if d.Options.DepthLimit <= 0 {
		d.Options.DepthLimit = DefaultDepthLimit
	}
	return d
}
