// Package room implements the jam server core: the room data model, the
// note quantizer, and the per-room server actor that arbitrates users,
// instruments, and musical time.
package room

import (
	"fmt"
	"time"

	"slices"
)

const (
	minNameLen = 1
	maxNameLen = 20
	maxColorLen = 20
	maxChatLen  = 288
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// QuantizeSpec is a user's quantization preference. BeatDivision zero means
// notes play immediately, unquantized.
type QuantizeSpec struct {
	BeatDivision     float64 `json:"beat_division"`
	QuantizeBoundary float64 `json:"quantize_boundary"`
	QuantizeAmt      float64 `json:"quantize_amt"`
}

type UserStats struct {
	NoteOns      int `json:"note_ons"`
	ChatMessages int `json:"chat_messages"`
	Cheers       int `json:"cheers"`
}

type RoomStats struct {
	NoteOns      int `json:"note_ons"`
	ChatMessages int `json:"chat_messages"`
	Cheers       int `json:"cheers"`
	MaxUsersSeen int `json:"max_users_seen"`
}

type User struct {
	UserID       string       `json:"user_id"`
	Name         string       `json:"name"`
	Color        string       `json:"color"`
	Img          string       `json:"img,omitempty"`
	Position     Position     `json:"position"`
	AccessLevel  string       `json:"access_level"`
	LastActivity time.Time    `json:"-"`
	Idle         bool         `json:"idle"`
	PingMS       int          `json:"ping_ms"`
	Stats        UserStats    `json:"stats"`
	Quantize     QuantizeSpec `json:"quantize"`
}

const (
	AccessLevelUser  = "user"
	AccessLevelAdmin = "admin"
)

// Touch records activity and clears the idle flag. Returns true if the user
// was idle, in which case the caller re-broadcasts idle=false.
func (u *User) Touch(now time.Time) bool {
	u.LastActivity = now
	wasIdle := u.Idle
	u.Idle = false
	return wasIdle
}

// InteractionSpec names a behavior attached to a room item's rect.
type InteractionSpec struct {
	Fn     string         `json:"fn"`
	Params map[string]any `json:"params,omitempty"`
}

type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type RoomItem struct {
	ItemID       string                     `json:"item_id"`
	Name         string                     `json:"name"`
	Rect         Rect                       `json:"rect"`
	Interactions map[string]InteractionSpec `json:"interactions,omitempty"`
}

// RoomState is the authoritative data model for one room: pure mutation
// methods, no networking. The instrument closet is fixed at load; users and
// the chat log are dynamic.
type RoomState struct {
	RoomID      string            `json:"room_id"`
	Name        string            `json:"name"`
	BPM         float64           `json:"bpm"`
	TimeSig     int               `json:"time_sig"`
	Instruments []*InstrumentSpec `json:"instruments"`
	Users       []*User           `json:"users"`
	ChatLog     []*ChatMessage    `json:"chat_log"`
	RoomItems   []RoomItem        `json:"room_items,omitempty"`
	Stats       RoomStats         `json:"stats"`
}

// FindUserByID returns the user and its index, or (nil, -1). The index lets
// callers splice in place without a second scan.
func (s *RoomState) FindUserByID(userID string) (*User, int) {
	for i, u := range s.Users {
		if u.UserID == userID {
			return u, i
		}
	}
	return nil, -1
}

func (s *RoomState) FindInstrumentByID(instrumentID string) (*InstrumentSpec, int) {
	for i, inst := range s.Instruments {
		if inst.InstrumentID == instrumentID {
			return inst, i
		}
	}
	return nil, -1
}

func (s *RoomState) FindInstrumentByUserID(userID string) (*InstrumentSpec, int) {
	if userID == "" {
		return nil, -1
	}
	for i, inst := range s.Instruments {
		if inst.ControlledByUserID == userID {
			return inst, i
		}
	}
	return nil, -1
}

func (s *RoomState) AddUser(u *User) {
	s.Users = append(s.Users, u)
	if len(s.Users) > s.Stats.MaxUsersSeen {
		s.Stats.MaxUsersSeen = len(s.Users)
	}
}

func (s *RoomState) RemoveUser(userID string) *User {
	u, i := s.FindUserByID(userID)
	if u == nil {
		return nil
	}
	s.Users = slices.Delete(s.Users, i, i+1)
	return u
}

func ValidateUserName(name string) error {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return fmt.Errorf("name length must be %d-%d, got %d", minNameLen, maxNameLen, len(name))
	}
	return nil
}

func ValidateUserColor(color string) error {
	if len(color) < 1 || len(color) > maxColorLen {
		return fmt.Errorf("color length must be 1-%d, got %d", maxColorLen, len(color))
	}
	return nil
}

func ValidateChatMessage(msg string) error {
	if len(msg) < 1 {
		return fmt.Errorf("empty chat message")
	}
	if len(msg) > maxChatLen {
		return fmt.Errorf("chat message exceeds %d bytes", maxChatLen)
	}
	return nil
}

// ClampCheerText reduces cheer text to its first code point.
func ClampCheerText(text string) string {
	for _, r := range text {
		return string(r)
	}
	return ""
}
