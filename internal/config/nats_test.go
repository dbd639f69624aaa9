package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flow-manager/internal/testutil"
)

func TestConnectNATS(t *testing.T) {
	s, _, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	nc, err := ConnectNATS(NATSConfig{
		URLs:           []string{s.ClientURL()},
		MaxReconnects:  1,
		ReconnectWait:  10 * time.Millisecond,
		ConnectTimeout: time.Second,
		ConnectRetries: 2,
	}, "config-test", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer nc.Close()

	assert.True(t, nc.IsConnected())
	assert.Equal(t, "config-test", nc.Opts.Name)
}

func TestConnectNATSGivesUp(t *testing.T) {
	_, err := ConnectNATS(NATSConfig{
		URLs:           []string{"nats://127.0.0.1:1"},
		ConnectTimeout: 100 * time.Millisecond,
		ConnectRetries: 1,
	}, "config-test", zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 attempts")
}
