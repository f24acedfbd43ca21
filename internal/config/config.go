package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	ServerAddr        string
	AllowedOrigins    []string
	AdminPasswordHash []byte
	RoomsFile         string
	SnapshotDir       string
	SnapshotInterval  time.Duration
}

func NewConfig(serverAddr, adminPassword string, allowedOrigins []string, roomsFile, snapshotDir string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if adminPassword == "" {
		return nil, fmt.Errorf("admin password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}

	return &Config{
		ServerAddr:        serverAddr,
		AllowedOrigins:    allowedOrigins,
		AdminPasswordHash: hash,
		RoomsFile:         roomsFile,
		SnapshotDir:       snapshotDir,
		SnapshotInterval:  5 * time.Minute,
	}, nil
}

// ParamConfig describes one instrument parameter in a room definition file.
type ParamConfig struct {
	ParamID      string   `json:"param_id"`
	Name         string   `json:"name,omitempty"`
	Type         string   `json:"type"`
	MinValue     float64  `json:"min_value"`
	MaxValue     float64  `json:"max_value"`
	ValueCurve   float64  `json:"value_curve,omitempty"`
	ZeroPoint    *float64 `json:"zero_point,omitempty"`
	DefaultValue float64  `json:"default_value"`
}

type InstrumentConfig struct {
	InstrumentID string           `json:"instrument_id"`
	Name         string           `json:"name"`
	Engine       string           `json:"engine"`
	Params       []ParamConfig    `json:"params"`
	Presets      []map[string]any `json:"presets,omitempty"`
}

type RectConfig struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type InteractionConfig struct {
	Fn     string         `json:"fn"`
	Params map[string]any `json:"params,omitempty"`
}

type RoomItemConfig struct {
	ItemID       string                       `json:"item_id"`
	Name         string                       `json:"name"`
	Rect         RectConfig                   `json:"rect"`
	Interactions map[string]InteractionConfig `json:"interactions,omitempty"`
}

// RoomConfig is one room definition. Timing knobs default via normalize.
type RoomConfig struct {
	RoomID  string  `json:"room_id"`
	Name    string  `json:"name"`
	BPM     float64 `json:"bpm"`
	TimeSig int     `json:"time_sig"`

	Instruments []InstrumentConfig `json:"instruments"`
	RoomItems   []RoomItemConfig   `json:"room_items,omitempty"`

	InstrumentIdleTimeoutMS        int64 `json:"instrument_idle_timeout_ms,omitempty"`
	InstrumentAutoReleaseTimeoutMS int64 `json:"instrument_auto_release_timeout_ms,omitempty"`
	PingIntervalMS                 int64 `json:"ping_interval_ms,omitempty"`
	MaxChatAgeMinutes              int64 `json:"max_chat_age_minutes,omitempty"`
}

const (
	defaultIdleTimeoutMS        = 2 * 60 * 1000
	defaultAutoReleaseTimeoutMS = 3 * 60 * 1000
	defaultPingIntervalMS       = 2000
	defaultMaxChatAgeMinutes    = 15
	defaultBPM                  = 100
	defaultTimeSig              = 4
)

func (rc *RoomConfig) normalize() error {
	if rc.RoomID == "" {
		return fmt.Errorf("room definition missing room_id")
	}
	if len(rc.Instruments) == 0 {
		return fmt.Errorf("room %q has an empty instrument closet", rc.RoomID)
	}
	for _, inst := range rc.Instruments {
		if inst.InstrumentID == "" {
			return fmt.Errorf("room %q: instrument missing instrument_id", rc.RoomID)
		}
	}

	if rc.Name == "" {
		rc.Name = rc.RoomID
	}
	if rc.BPM == 0 {
		rc.BPM = defaultBPM
	}
	if rc.TimeSig == 0 {
		rc.TimeSig = defaultTimeSig
	}
	if rc.InstrumentIdleTimeoutMS == 0 {
		rc.InstrumentIdleTimeoutMS = defaultIdleTimeoutMS
	}
	if rc.InstrumentAutoReleaseTimeoutMS == 0 {
		rc.InstrumentAutoReleaseTimeoutMS = defaultAutoReleaseTimeoutMS
	}
	if rc.PingIntervalMS == 0 {
		rc.PingIntervalMS = defaultPingIntervalMS
	}
	if rc.MaxChatAgeMinutes == 0 {
		rc.MaxChatAgeMinutes = defaultMaxChatAgeMinutes
	}
	return nil
}

func (rc *RoomConfig) IdleTimeout() time.Duration {
	return time.Duration(rc.InstrumentIdleTimeoutMS) * time.Millisecond
}

func (rc *RoomConfig) AutoReleaseTimeout() time.Duration {
	return time.Duration(rc.InstrumentAutoReleaseTimeoutMS) * time.Millisecond
}

func (rc *RoomConfig) PingInterval() time.Duration {
	return time.Duration(rc.PingIntervalMS) * time.Millisecond
}

func (rc *RoomConfig) MaxChatAge() time.Duration {
	return time.Duration(rc.MaxChatAgeMinutes) * time.Minute
}

// LoadRooms parses room definitions from a JSON file.
func LoadRooms(path string) ([]RoomConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rooms file: %w", err)
	}

	var rooms []RoomConfig
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, fmt.Errorf("parse rooms file: %w", err)
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("rooms file %q defines no rooms", path)
	}

	seen := make(map[string]struct{})
	for i := range rooms {
		if err := rooms[i].normalize(); err != nil {
			return nil, err
		}
		if _, dup := seen[rooms[i].RoomID]; dup {
			return nil, fmt.Errorf("duplicate room_id %q", rooms[i].RoomID)
		}
		seen[rooms[i].RoomID] = struct{}{}
	}
	return rooms, nil
}

// DefaultRooms is the built-in world used when no rooms file is given.
func DefaultRooms() []RoomConfig {
	bipolar := 0.5
	rooms := []RoomConfig{
		{
			RoomID:  "main",
			Name:    "Main Stage",
			BPM:     100,
			TimeSig: 4,
			Instruments: []InstrumentConfig{
				{
					InstrumentID: "piano1",
					Name:         "Piano",
					Engine:       "sampler",
					Params: []ParamConfig{
						{ParamID: "gain", Type: "numeric", MinValue: 0, MaxValue: 2, ValueCurve: 2, DefaultValue: 1},
						{ParamID: "pan", Type: "numeric", MinValue: -1, MaxValue: 1, ZeroPoint: &bipolar, DefaultValue: 0},
						{ParamID: "release", Type: "numeric", MinValue: 0, MaxValue: 5, ValueCurve: 3, DefaultValue: 0.5},
					},
				},
				{
					InstrumentID: "bass1",
					Name:         "Bass",
					Engine:       "synth",
					Params: []ParamConfig{
						{ParamID: "gain", Type: "numeric", MinValue: 0, MaxValue: 2, ValueCurve: 2, DefaultValue: 1},
						{ParamID: "cutoff", Type: "numeric", MinValue: 20, MaxValue: 20000, ValueCurve: 4, DefaultValue: 2000},
						{ParamID: "detune", Type: "numeric", MinValue: -100, MaxValue: 100, ZeroPoint: &bipolar, DefaultValue: 0},
					},
				},
				{
					InstrumentID: "drums1",
					Name:         "Drums",
					Engine:       "drumkit",
					Params: []ParamConfig{
						{ParamID: "gain", Type: "numeric", MinValue: 0, MaxValue: 2, ValueCurve: 2, DefaultValue: 1},
					},
				},
			},
			RoomItems: []RoomItemConfig{
				{
					ItemID: "door-lounge",
					Name:   "To the lounge",
					Rect:   RectConfig{X: 0, Y: 200, W: 40, H: 120},
					Interactions: map[string]InteractionConfig{
						"enter": {Fn: "change_room", Params: map[string]any{"room_id": "lounge"}},
					},
				},
			},
		},
		{
			RoomID:  "lounge",
			Name:    "Lounge",
			BPM:     80,
			TimeSig: 4,
			Instruments: []InstrumentConfig{
				{
					InstrumentID: "keys1",
					Name:         "Electric Piano",
					Engine:       "synth",
					Params: []ParamConfig{
						{ParamID: "gain", Type: "numeric", MinValue: 0, MaxValue: 2, ValueCurve: 2, DefaultValue: 1},
					},
				},
			},
		},
	}

	for i := range rooms {
		// built-in definitions are assumed well formed
		_ = rooms[i].normalize()
	}
	return rooms
}
