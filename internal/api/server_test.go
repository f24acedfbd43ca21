package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-jamroom/internal/config"
	"github.com/npezzotti/go-jamroom/internal/room"
	"github.com/npezzotti/go-jamroom/internal/stats"
	"github.com/npezzotti/go-jamroom/internal/testutil"
)

func newTestJamServer(t *testing.T, allowedOrigins []string) *JamServer {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()
	su.On("Decr", mock.Anything).Return()

	cfg, err := config.NewConfig("localhost:0", "test-admin-password", allowedOrigins, "", "")
	require.NoError(t, err)

	world, err := room.NewWorld(cfg, config.DefaultRooms(), testutil.TestLogger(t), su)
	require.NoError(t, err)
	world.Run()

	return NewJamServer(http.NewServeMux(), testutil.TestLogger(t), world, cfg)
}

func Test_healthz(t *testing.T) {
	s := newTestJamServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())
}

func Test_serveWs(t *testing.T) {
	t.Run("successful upgrade and identify prompt", func(t *testing.T) {
		s := newTestJamServer(t, nil)

		srv := httptest.NewServer(http.HandlerFunc(s.serveWs))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?room=main"
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		// the room asks a fresh socket to identify
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg struct {
			PleaseIdentify *struct{} `json:"please_identify"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.NotNil(t, msg.PleaseIdentify)
	})

	t.Run("unknown room", func(t *testing.T) {
		s := newTestJamServer(t, nil)

		req := httptest.NewRequest(http.MethodGet, "/ws?room=attic", nil)
		rr := httptest.NewRecorder()
		s.serveWs(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("disallowed origin refused", func(t *testing.T) {
		s := newTestJamServer(t, []string{"http://localhost:3000"})

		srv := httptest.NewServer(http.HandlerFunc(s.serveWs))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
		header := http.Header{}
		header.Set("Origin", "http://evil.example")

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		if conn != nil {
			conn.Close()
		}
		assert.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("allowed origin accepted", func(t *testing.T) {
		s := newTestJamServer(t, []string{"http://localhost:3000"})

		srv := httptest.NewServer(http.HandlerFunc(s.serveWs))
		defer srv.Close()

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
		header := http.Header{}
		header.Set("Origin", "http://localhost:3000")

		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	})
}
