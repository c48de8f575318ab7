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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/multierr"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.RequestTimeoutMs = 250
	cfg.Bus.ServerShutdownDeadlineMs = 1500
	cfg.Directory.HeartbeatTTLSec = 30

	assert.Equal(t, 250*time.Millisecond, cfg.Bus.RequestTimeout())
	assert.Equal(t, 1500*time.Millisecond, cfg.Bus.ShutdownDeadline())
	assert.Equal(t, 30*time.Second, cfg.Directory.HeartbeatTTL())
}

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
bus:
  url: nats://bus.internal:4222
  request_timeout_ms: 300
directory:
  prefix: prod
  heartbeat_ttl_sec: 10
  server_type_filters: [room, chat]
  log_heartbeat: true
`))
	require.NoError(t, err)

	assert.Equal(t, "nats://bus.internal:4222", cfg.Bus.URL)
	assert.Equal(t, 300, cfg.Bus.RequestTimeoutMs)
	assert.Equal(t, "prod", cfg.Directory.Prefix)
	assert.Equal(t, 10, cfg.Directory.HeartbeatTTLSec)
	assert.Equal(t, []string{"room", "chat"}, cfg.Directory.ServerTypeFilters)
	assert.True(t, cfg.Directory.LogHeartbeat)

	// Unnamed fields keep their defaults.
	assert.Equal(t, DefaultBusConfig().MaxPendingMsgs, cfg.Bus.MaxPendingMsgs)
	assert.Equal(t, DefaultDirectoryConfig().SyncServersIntervalSec, cfg.Directory.SyncServersIntervalSec)
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig([]byte("bus:\n  no_such_field: 1\n"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.URL = ""
	cfg.Bus.RequestTimeoutMs = 0
	cfg.Directory.Prefix = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
}

func TestParseConfigInvalidValues(t *testing.T) {
	_, err := ParseConfig([]byte("directory:\n  heartbeat_ttl_sec: -1\n"))
	require.Error(t, err)
}
