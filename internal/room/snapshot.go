package room

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RoomDump is the persisted slice of a room: preset banks, chat history,
// and stats. Live users and ownership are deliberately excluded; they are
// re-derived from scratch on restart.
type RoomDump struct {
	DumpID            string                  `json:"dump_id"`
	RoomID            string                  `json:"room_id"`
	SavedAt           time.Time               `json:"saved_at"`
	InstrumentPresets []InstrumentPresetsDump `json:"instrument_presets"`
	ChatLog           []*ChatMessage          `json:"chat_log"`
	Stats             RoomStats               `json:"stats"`
}

type InstrumentPresetsDump struct {
	InstrumentID string   `json:"instrument_id"`
	Presets      []Preset `json:"presets"`
}

type ServerDump struct {
	DumpID  string     `json:"dump_id"`
	SavedAt time.Time  `json:"saved_at"`
	Rooms   []RoomDump `json:"rooms"`
}

func NewServerDump() ServerDump {
	return ServerDump{
		DumpID:  uuid.NewString(),
		SavedAt: Now(),
	}
}

func DumpRoomState(s *RoomState) RoomDump {
	d := RoomDump{
		DumpID:  uuid.NewString(),
		RoomID:  s.RoomID,
		SavedAt: Now(),
		Stats:   s.Stats,
	}
	for _, inst := range s.Instruments {
		presets := make([]Preset, 0, len(inst.Presets))
		for _, p := range inst.Presets {
			presets = append(presets, p.clone())
		}
		d.InstrumentPresets = append(d.InstrumentPresets, InstrumentPresetsDump{
			InstrumentID: inst.InstrumentID,
			Presets:      presets,
		})
	}
	d.ChatLog = append(d.ChatLog, s.ChatLog...)
	return d
}

// ChatMessageFromPersisted revives one chat entry, validating fields
// instead of blindly copying properties.
func ChatMessageFromPersisted(raw *ChatMessage) (*ChatMessage, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil chat message")
	}
	if raw.MessageID == "" {
		return nil, fmt.Errorf("chat message missing message_id")
	}
	switch raw.Type {
	case ChatMessageTypeChat, ChatMessageTypeJoin, ChatMessageTypePart,
		ChatMessageTypeNick, ChatMessageTypeAggregate:
	default:
		return nil, fmt.Errorf("chat message %q has unknown type %q", raw.MessageID, raw.Type)
	}
	if raw.Timestamp.IsZero() {
		return nil, fmt.Errorf("chat message %q missing timestamp", raw.MessageID)
	}

	m := *raw
	if m.Type == ChatMessageTypeAggregate {
		absorbed := make([]*ChatMessage, 0, len(raw.Absorbed))
		for _, a := range raw.Absorbed {
			rev, err := ChatMessageFromPersisted(a)
			if err != nil {
				return nil, fmt.Errorf("absorbed entry: %w", err)
			}
			absorbed = append(absorbed, rev)
		}
		m.Absorbed = absorbed
	}
	return &m, nil
}

// RoomDumpFromPersisted validates a parsed dump before it may touch state.
func RoomDumpFromPersisted(d RoomDump) (RoomDump, error) {
	if d.RoomID == "" {
		return RoomDump{}, fmt.Errorf("dump missing room_id")
	}

	chatLog := make([]*ChatMessage, 0, len(d.ChatLog))
	for _, raw := range d.ChatLog {
		m, err := ChatMessageFromPersisted(raw)
		if err != nil {
			return RoomDump{}, fmt.Errorf("room %q dump: %w", d.RoomID, err)
		}
		chatLog = append(chatLog, m)
	}
	d.ChatLog = chatLog

	for _, ip := range d.InstrumentPresets {
		if ip.InstrumentID == "" {
			return RoomDump{}, fmt.Errorf("room %q dump: preset bank missing instrument_id", d.RoomID)
		}
		for _, p := range ip.Presets {
			if err := p.Validate(); err != nil {
				return RoomDump{}, fmt.Errorf("room %q dump: %w", d.RoomID, err)
			}
		}
	}
	return d, nil
}

func ServerDumpFromJSON(data []byte) (ServerDump, error) {
	var dump ServerDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return ServerDump{}, fmt.Errorf("parse server dump: %w", err)
	}
	for i, rd := range dump.Rooms {
		validated, err := RoomDumpFromPersisted(rd)
		if err != nil {
			return ServerDump{}, err
		}
		dump.Rooms[i] = validated
	}
	return dump, nil
}

// ApplyDump installs a validated dump's preset banks, chat log, and stats.
// Never touches users or ownership.
func (s *RoomState) ApplyDump(d RoomDump) error {
	if d.RoomID != s.RoomID {
		return fmt.Errorf("dump is for room %q, not %q", d.RoomID, s.RoomID)
	}

	for _, ip := range d.InstrumentPresets {
		inst, _ := s.FindInstrumentByID(ip.InstrumentID)
		if inst == nil {
			// the closet may have changed since the dump was taken
			continue
		}
		if err := inst.ImportAllPresets(ip.Presets); err != nil {
			return fmt.Errorf("instrument %q: %w", ip.InstrumentID, err)
		}
	}

	s.ChatLog = append([]*ChatMessage{}, d.ChatLog...)
	s.Stats = d.Stats
	return nil
}

func snapshotPath(dir, roomID string) string {
	return filepath.Join(dir, roomID+".json")
}

func SaveRoomDump(dir string, d RoomDump) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dump: %w", err)
	}

	// write-and-rename so a crash mid-write never corrupts the snapshot
	tmp := snapshotPath(dir, d.RoomID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write dump: %w", err)
	}
	return os.Rename(tmp, snapshotPath(dir, d.RoomID))
}

func LoadRoomDump(dir, roomID string) (RoomDump, error) {
	data, err := os.ReadFile(snapshotPath(dir, roomID))
	if err != nil {
		return RoomDump{}, fmt.Errorf("read dump: %w", err)
	}

	var dump RoomDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return RoomDump{}, fmt.Errorf("parse dump: %w", err)
	}
	return RoomDumpFromPersisted(dump)
}
