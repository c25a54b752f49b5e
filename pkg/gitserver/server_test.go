package gitserver

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeGlenn1213/lgh/pkg/config"
)

func TestServer_Lifecycle(t *testing.T) {
	t.Run("serves until shutdown", func(t *testing.T) {
		cfg := config.Default()
		cfg.Server.Port = 0
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		})
		server := NewServer(cfg, handler, nil)

		require.NoError(t, server.Start(t.Context()))
		assert.Error(t, server.Start(t.Context()))
		assert.Nil(t, server.SSHAddr())

		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", server.HTTPAddr()))
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "ok", string(body))

		require.NoError(t, server.Shutdown(t.Context()))
		require.NoError(t, server.Shutdown(t.Context()))

		client := http.Client{Timeout: time.Second}
		_, err = client.Get(fmt.Sprintf("http://%s/healthz", server.HTTPAddr()))
		assert.Error(t, err)
	})

	t.Run("bind failure is returned from Start", func(t *testing.T) {
		taken, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer taken.Close()

		cfg := config.Default()
		cfg.Server.Port = taken.Addr().(*net.TCPAddr).Port
		server := NewServer(cfg, http.NotFoundHandler(), nil)

		assert.Error(t, server.Start(t.Context()))
	})
}
