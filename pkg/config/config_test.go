package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	require.Equal(t, 10*time.Second, conf.RPC.IdleTimeout.Std())
	require.Equal(t, 10*time.Second, conf.RPC.ReconnectTimeout.Std())
	require.Equal(t, 3*time.Second, conf.RPC.PingInterval.Std())
	require.Equal(t, 16, conf.TURN.CLI.Pool.MaxSize)
	require.Equal(t, 2*time.Second, conf.TURN.CLI.Pool.WaitTimeout.Std())
}

func TestNewConfigOverlay(t *testing.T) {
	conf, err := NewConfig([]byte(`
rpc:
  idle_timeout: 1s
turn:
  cli:
    pool:
      max_size: 4
server:
  public_host: media.example.com
`))
	require.NoError(t, err)

	require.Equal(t, time.Second, conf.RPC.IdleTimeout.Std())
	// untouched keys keep their defaults
	require.Equal(t, 10*time.Second, conf.RPC.ReconnectTimeout.Std())
	require.Equal(t, 4, conf.TURN.CLI.Pool.MaxSize)
	require.Equal(t, "media.example.com", conf.ClientAddress())
}

func TestNewConfigInvalid(t *testing.T) {
	_, err := NewConfig([]byte("rpc: ["))
	require.Error(t, err)
}
