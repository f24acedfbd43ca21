package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNewConfig(t *testing.T) {
	tcases := []struct {
		name     string
		addr     string
		password string
		err      bool
	}{
		{name: "valid config", addr: "localhost:8080", password: "hunter2", err: false},
		{name: "empty address", addr: "", password: "hunter2", err: true},
		{name: "empty admin password", addr: "localhost:8080", password: "", err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.addr, tc.password, []string{"http://localhost:3000"}, "", "")
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			require.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.addr, cfg.ServerAddr, "expected server address to match")
			assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
			assert.Equal(t, 5*time.Minute, cfg.SnapshotInterval)

			assert.NoError(t, bcrypt.CompareHashAndPassword(cfg.AdminPasswordHash, []byte(tc.password)),
				"expected hash to verify against the original password")
			assert.Error(t, bcrypt.CompareHashAndPassword(cfg.AdminPasswordHash, []byte("wrong")))
		})
	}
}

func Test_normalize(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		rc := RoomConfig{
			RoomID:      "main",
			Instruments: []InstrumentConfig{{InstrumentID: "piano1"}},
		}
		require.NoError(t, rc.normalize())

		assert.Equal(t, "main", rc.Name, "name defaults to the room ID")
		assert.Equal(t, float64(defaultBPM), rc.BPM)
		assert.Equal(t, defaultTimeSig, rc.TimeSig)
		assert.Equal(t, 2*time.Minute, rc.IdleTimeout())
		assert.Equal(t, 3*time.Minute, rc.AutoReleaseTimeout())
		assert.Equal(t, 2*time.Second, rc.PingInterval())
		assert.Equal(t, 15*time.Minute, rc.MaxChatAge())
	})

	t.Run("explicit values kept", func(t *testing.T) {
		rc := RoomConfig{
			RoomID:                  "main",
			Name:                    "Stage",
			BPM:                     90,
			Instruments:             []InstrumentConfig{{InstrumentID: "piano1"}},
			InstrumentIdleTimeoutMS: 30_000,
		}
		require.NoError(t, rc.normalize())

		assert.Equal(t, "Stage", rc.Name)
		assert.Equal(t, 90.0, rc.BPM)
		assert.Equal(t, 30*time.Second, rc.IdleTimeout())
	})

	t.Run("missing room_id", func(t *testing.T) {
		rc := RoomConfig{Instruments: []InstrumentConfig{{InstrumentID: "piano1"}}}
		assert.Error(t, rc.normalize())
	})

	t.Run("empty instrument closet", func(t *testing.T) {
		rc := RoomConfig{RoomID: "main"}
		assert.Error(t, rc.normalize())
	})

	t.Run("instrument missing id", func(t *testing.T) {
		rc := RoomConfig{RoomID: "main", Instruments: []InstrumentConfig{{Name: "Piano"}}}
		assert.Error(t, rc.normalize())
	})
}

func TestLoadRooms(t *testing.T) {
	writeRooms := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "rooms.json")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	t.Run("valid file", func(t *testing.T) {
		path := writeRooms(t, `[
			{"room_id": "main", "bpm": 110, "instruments": [{"instrument_id": "piano1"}]},
			{"room_id": "lounge", "instruments": [{"instrument_id": "keys1"}]}
		]`)

		rooms, err := LoadRooms(path)
		require.NoError(t, err)
		require.Len(t, rooms, 2)
		assert.Equal(t, 110.0, rooms[0].BPM)
		assert.Equal(t, float64(defaultBPM), rooms[1].BPM, "defaults fill unset fields")
	})

	t.Run("duplicate room_id", func(t *testing.T) {
		path := writeRooms(t, `[
			{"room_id": "main", "instruments": [{"instrument_id": "piano1"}]},
			{"room_id": "main", "instruments": [{"instrument_id": "keys1"}]}
		]`)

		_, err := LoadRooms(path)
		assert.Error(t, err)
	})

	t.Run("empty file", func(t *testing.T) {
		path := writeRooms(t, `[]`)
		_, err := LoadRooms(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRooms(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		path := writeRooms(t, `{{{`)
		_, err := LoadRooms(path)
		assert.Error(t, err)
	})
}

func TestDefaultRooms(t *testing.T) {
	rooms := DefaultRooms()
	require.NotEmpty(t, rooms)

	seen := make(map[string]struct{})
	for _, rc := range rooms {
		assert.NotEmpty(t, rc.RoomID)
		assert.NotEmpty(t, rc.Instruments)
		assert.NotZero(t, rc.BPM)
		assert.NotZero(t, rc.IdleTimeout())
		_, dup := seen[rc.RoomID]
		assert.False(t, dup, "room IDs must be unique")
		seen[rc.RoomID] = struct{}{}
	}
}
