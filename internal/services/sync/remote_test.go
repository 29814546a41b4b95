package sync_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/services/sync"
)

func TestNetProbe(t *testing.T) {
	t.Run("default ports", func(t *testing.T) {
		tests := []struct {
			url  string
			want string
		}{
			{"https://notes.example.com", "notes.example.com:443"},
			{"http://notes.example.com/api", "notes.example.com:80"},
			{"http://127.0.0.1:8000", "127.0.0.1:8000"},
		}
		for _, tt := range tests {
			probe, err := sync.NewNetProbe(tt.url, time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, probe.Address())
		}
	})

	t.Run("rejects url without host", func(t *testing.T) {
		_, err := sync.NewNetProbe("/relative/only", time.Second)
		assert.ErrorIs(t, err, models.ErrInvalidConfig)
	})

	t.Run("reachability follows listener", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		probe, err := sync.NewNetProbe("http://"+ln.Addr().String(), time.Second)
		require.NoError(t, err)
		assert.True(t, probe.Online(context.Background()))

		require.NoError(t, ln.Close())
		assert.False(t, probe.Online(context.Background()))
	})
}

func TestStaticConnectivity(t *testing.T) {
	c := sync.NewStaticConnectivity(false)
	assert.False(t, c.Online(context.Background()))
	c.Set(true)
	assert.True(t, c.Online(context.Background()))
}
