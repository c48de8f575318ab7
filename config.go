// Copyright (c) 2026 Tiltfactory, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package clustermesh

import (
	"time"

	"go.uber.org/multierr"
	yaml "gopkg.in/yaml.v2"

	"github.com/tiltfactory/clustermesh/mesherrors"
)

// BusConfig configures the message bus connection and the RPC layer that
// runs on it. Durations are plain integers in the unit their field name
// states, so the struct round-trips cleanly through YAML.
type BusConfig struct {
	// URL is the bus server address.
	URL string `yaml:"url"`

	// ConnectionTimeoutMs bounds the initial dial.
	ConnectionTimeoutMs int `yaml:"connection_timeout_ms"`

	// RequestTimeoutMs is the default per-request deadline for outbound
	// RPCs.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// MaxReconnectionAttempts bounds reconnection after a lost connection;
	// exhausting it is fatal.
	MaxReconnectionAttempts int `yaml:"max_reconnection_attempts"`

	// MaxPendingMsgs bounds both the outbound reconnection queue and the
	// inbound overflow queue.
	MaxPendingMsgs int `yaml:"max_pending_msgs"`

	// ServerMaxNumberOfRPCs bounds concurrently executing inbound
	// handlers.
	ServerMaxNumberOfRPCs int `yaml:"server_max_number_of_rpcs"`

	// ServerShutdownDeadlineMs bounds the graceful drain during Shutdown.
	ServerShutdownDeadlineMs int `yaml:"server_shutdown_deadline_ms"`
}

// DefaultBusConfig returns the production defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:                      "nats://127.0.0.1:4222",
		ConnectionTimeoutMs:      5000,
		RequestTimeoutMs:         5000,
		MaxReconnectionAttempts:  30,
		MaxPendingMsgs:           100,
		ServerMaxNumberOfRPCs:    500,
		ServerShutdownDeadlineMs: 10000,
	}
}

// Validate reports every invalid field at once.
func (c BusConfig) Validate() error {
	var err error
	if c.URL == "" {
		err = multierr.Append(err, mesherrors.InitializationErrorf("bus url must not be empty"))
	}
	if c.RequestTimeoutMs <= 0 {
		err = multierr.Append(err, mesherrors.InitializationErrorf("request_timeout_ms must be positive, got %d", c.RequestTimeoutMs))
	}
	if c.MaxPendingMsgs <= 0 {
		err = multierr.Append(err, mesherrors.InitializationErrorf("max_pending_msgs must be positive, got %d", c.MaxPendingMsgs))
	}
	if c.ServerMaxNumberOfRPCs <= 0 {
		err = multierr.Append(err, mesherrors.InitializationErrorf("server_max_number_of_rpcs must be positive, got %d", c.ServerMaxNumberOfRPCs))
	}
	if c.ServerShutdownDeadlineMs <= 0 {
		err = multierr.Append(err, mesherrors.InitializationErrorf("server_shutdown_deadline_ms must be positive, got %d", c.ServerShutdownDeadlineMs))
	}
	return err
}

// ConnectionTimeout returns ConnectionTimeoutMs as a duration.
func (c BusConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

// RequestTimeout returns RequestTimeoutMs as a duration.
func (c BusConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ShutdownDeadline returns ServerShutdownDeadlineMs as a duration.
func (c BusConfig) ShutdownDeadline() time.Duration {
	return time.Duration(c.ServerShutdownDeadlineMs) * time.Millisecond
}

// DirectoryConfig configures the service directory client.
type DirectoryConfig struct {
	// Prefix namespaces every key this mesh writes.
	Prefix string `yaml:"prefix"`

	// Endpoints are the directory server addresses.
	Endpoints []string `yaml:"endpoints"`

	// DialTimeoutMs bounds the initial directory dial.
	DialTimeoutMs int `yaml:"dial_timeout_ms"`

	// HeartbeatTTLSec is the registration lease time to live.
	HeartbeatTTLSec int `yaml:"heartbeat_ttl_sec"`

	// SyncServersIntervalSec is the period of the full reconciliation
	// sync.
	SyncServersIntervalSec int `yaml:"sync_servers_interval_sec"`

	// MaxNumberOfRetries bounds registration attempts during startup.
	MaxNumberOfRetries int `yaml:"max_number_of_retries"`

	// ServerTypeFilters restricts which server kinds are tracked. Empty
	// means all.
	ServerTypeFilters []string `yaml:"server_type_filters"`

	// LogHeartbeat, LogServerSync and LogServerDetails gate debug logging
	// of the discovery loops.
	LogHeartbeat     bool `yaml:"log_heartbeat"`
	LogServerSync    bool `yaml:"log_server_sync"`
	LogServerDetails bool `yaml:"log_server_details"`
}

// DefaultDirectoryConfig returns the production defaults.
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		Prefix:                 "mesh",
		Endpoints:              []string{"127.0.0.1:2379"},
		DialTimeoutMs:          5000,
		HeartbeatTTLSec:        60,
		SyncServersIntervalSec: 120,
		MaxNumberOfRetries:     5,
	}
}

// Validate reports every invalid field at once.
func (c DirectoryConfig) Validate() error {
	var err error
	if c.Prefix == "" {
		err = multierr.Append(err, mesherrors.InitializationErrorf("directory prefix must not be empty"))
	}
	if len(c.Endpoints) == 0 {
		err = multierr.Append(err, mesherrors.InitializationErrorf("directory endpoints must not be empty"))
	}
	if c.HeartbeatTTLSec <= 0 {
		err = multierr.Append(err, mesherrors.InitializationErrorf("heartbeat_ttl_sec must be positive, got %d", c.HeartbeatTTLSec))
	}
	if c.SyncServersIntervalSec <= 0 {
		err = multierr.Append(err, mesherrors.InitializationErrorf("sync_servers_interval_sec must be positive, got %d", c.SyncServersIntervalSec))
	}
	if c.MaxNumberOfRetries < 0 {
		err = multierr.Append(err, mesherrors.InitializationErrorf("max_number_of_retries must not be negative, got %d", c.MaxNumberOfRetries))
	}
	return err
}

// DialTimeout returns DialTimeoutMs as a duration.
func (c DirectoryConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

// HeartbeatTTL returns HeartbeatTTLSec as a duration.
func (c DirectoryConfig) HeartbeatTTL() time.Duration {
	return time.Duration(c.HeartbeatTTLSec) * time.Second
}

// SyncServersInterval returns SyncServersIntervalSec as a duration.
func (c DirectoryConfig) SyncServersInterval() time.Duration {
	return time.Duration(c.SyncServersIntervalSec) * time.Second
}

// Config is the full node configuration.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Directory DirectoryConfig `yaml:"directory"`
}

// DefaultConfig returns the production defaults for every section.
func DefaultConfig() Config {
	return Config{
		Bus:       DefaultBusConfig(),
		Directory: DefaultDirectoryConfig(),
	}
}

// Validate reports every invalid field across all sections.
func (c Config) Validate() error {
	return multierr.Append(c.Bus.Validate(), c.Directory.Validate())
}

// ParseConfig decodes YAML over the defaults and validates the result, so a
// partial document only overrides the fields it names.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, mesherrors.InitializationErrorf("decoding config: %s", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
