package room

import (
	"encoding/json"
	"time"
)

// ClientMessage is the inbound wire envelope. Exactly one of the optional
// fields is set per message; untyped or empty envelopes are dropped by the
// dispatcher.
type ClientMessage struct {
	Timestamp time.Time `json:"timestamp,omitempty"`

	Identify           *Identify                `json:"identify,omitempty"`
	InstrumentRequest  *InstrumentRequest       `json:"instrument_request,omitempty"`
	InstrumentRelease  *InstrumentRelease       `json:"instrument_release,omitempty"`
	NoteOn             *NoteOnMessage           `json:"note_on,omitempty"`
	NoteOff            *NoteOffMessage          `json:"note_off,omitempty"`
	AllNotesOff        *AllNotesOff             `json:"all_notes_off,omitempty"`
	PedalDown          *PedalDown               `json:"pedal_down,omitempty"`
	PedalUp            *PedalUp                 `json:"pedal_up,omitempty"`
	InstrumentParams   *InstrumentParamsMessage `json:"instrument_params,omitempty"`
	CreateParamMapping *CreateParamMapping      `json:"create_param_mapping,omitempty"`
	RemoveParamMapping *RemoveParamMapping      `json:"remove_param_mapping,omitempty"`
	PresetDelete       *PresetDelete            `json:"preset_delete,omitempty"`
	PresetSave         *PresetSave              `json:"preset_save,omitempty"`
	FactoryReset       *FactoryReset            `json:"factory_reset,omitempty"`
	BankMerge          *BankMerge               `json:"bank_merge,omitempty"`
	Chat               *ChatSend                `json:"chat,omitempty"`
	UserState          *UserStateUpdate         `json:"user_state,omitempty"`
	Cheer              *CheerSend               `json:"cheer,omitempty"`
	Pong               *Pong                    `json:"pong,omitempty"`
	AdminChangeRoom    *AdminChangeRoomState    `json:"admin_change_room_state,omitempty"`
	DownloadState      *DownloadServerState     `json:"download_server_state,omitempty"`
	UploadState        *UploadServerState       `json:"upload_server_state,omitempty"`

	client *Client
}

type Identify struct {
	Name          string        `json:"name"`
	Color         string        `json:"color"`
	Img           string        `json:"img,omitempty"`
	Position      Position      `json:"position"`
	AdminPassword string        `json:"admin_password,omitempty"`
	Quantize      *QuantizeSpec `json:"quantize,omitempty"`
}

type InstrumentRequest struct {
	InstrumentID string `json:"instrument_id"`
}

type InstrumentRelease struct{}

type NoteOnMessage struct {
	Note           int  `json:"note"`
	Velocity       int  `json:"velocity"`
	ResetBeatPhase bool `json:"reset_beat_phase,omitempty"`
}

type NoteOffMessage struct {
	Note int `json:"note"`
}

type AllNotesOff struct{}

type PedalDown struct{}

type PedalUp struct{}

type InstrumentParamsMessage struct {
	PatchObj     map[string]float64 `json:"patch_obj"`
	IsWholePatch bool               `json:"is_whole_patch"`
}

type CreateParamMapping struct {
	ParamID string  `json:"param_id"`
	SrcVal  float64 `json:"src_val"`
}

type RemoveParamMapping struct {
	ParamID string `json:"param_id"`
}

type PresetDelete struct {
	PresetID string `json:"preset_id"`
}

type PresetSave struct {
	Patch Preset `json:"patch"`
}

type FactoryReset struct{}

type BankMerge struct {
	Presets []Preset `json:"presets"`
}

type ChatSend struct {
	Message  string `json:"message"`
	ToUserID string `json:"to_user_id,omitempty"`
}

type UserStateUpdate struct {
	Name     string        `json:"name"`
	Color    string        `json:"color"`
	Img      string        `json:"img,omitempty"`
	Position Position      `json:"position"`
	Quantize *QuantizeSpec `json:"quantize,omitempty"`
}

type CheerSend struct {
	Text string  `json:"text"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type Pong struct {
	Token string `json:"token"`
}

type AdminChangeRoomState struct {
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
}

type DownloadServerState struct{}

type UploadServerState struct {
	Data json.RawMessage `json:"data"`
}

// ServerMessage is the outbound wire envelope, one optional field per kind.
// SkipClient excludes the originating socket from a broadcast where the
// event is purely informational for others.
type ServerMessage struct {
	Timestamp time.Time `json:"timestamp"`

	PleaseIdentify      *PleaseIdentify       `json:"please_identify,omitempty"`
	Welcome             *Welcome              `json:"welcome,omitempty"`
	UserEnter           *UserEnter            `json:"user_enter,omitempty"`
	UserLeave           *UserLeave            `json:"user_leave,omitempty"`
	InstrumentOwnership *InstrumentOwnership  `json:"instrument_ownership,omitempty"`
	NoteEvents          *NoteEvents           `json:"note_events,omitempty"`
	UserAllNotesOff     *UserAllNotesOff      `json:"user_all_notes_off,omitempty"`
	PedalDown           *PedalEvent           `json:"pedal_down,omitempty"`
	PedalUp             *PedalEvent           `json:"pedal_up,omitempty"`
	InstrumentParams    *InstrumentParamsSync `json:"instrument_params,omitempty"`
	CreateParamMapping  *ParamMappingSync     `json:"create_param_mapping,omitempty"`
	RemoveParamMapping  *ParamMappingSync     `json:"remove_param_mapping,omitempty"`
	PresetDelete        *PresetSync           `json:"preset_delete,omitempty"`
	PresetSave          *PresetSync           `json:"preset_save,omitempty"`
	FactoryReset        *PresetSync           `json:"factory_reset,omitempty"`
	BankMerge           *PresetSync           `json:"bank_merge,omitempty"`
	UserChatMessage     *ChatMessage          `json:"user_chat_message,omitempty"`
	UserState           *UserStateSync        `json:"user_state,omitempty"`
	Cheer               *CheerEvent           `json:"cheer,omitempty"`
	Ping                *PingMessage          `json:"ping,omitempty"`
	RoomBeat            *RoomBeat             `json:"room_beat,omitempty"`
	RoomBPMUpdate       *RoomBPMUpdate        `json:"room_bpm_update,omitempty"`
	PleaseReconnect     *PleaseReconnect      `json:"please_reconnect,omitempty"`
	ChangeRoomState     *ChangeRoomState      `json:"change_room_state,omitempty"`
	ServerStateDump     *ServerStateDump      `json:"server_state_dump,omitempty"`

	SkipClient *Client `json:"-"`
}

type PleaseIdentify struct{}

// Welcome carries the room state pre-serialized: the write pump marshals
// envelopes outside the room loop, so a live *RoomState here would race
// against mutation.
type Welcome struct {
	YourUserID  string          `json:"your_user_id"`
	AccessLevel string          `json:"access_level"`
	RoomState   json.RawMessage `json:"room_state"`
}

type UserEnter struct {
	User             *User        `json:"user"`
	ChatMessageEntry *ChatMessage `json:"chat_message_entry,omitempty"`
}

type UserLeave struct {
	UserID           string       `json:"user_id"`
	ChatMessageEntry *ChatMessage `json:"chat_message_entry,omitempty"`
}

type InstrumentOwnership struct {
	InstrumentID string `json:"instrument_id"`
	UserID       string `json:"user_id,omitempty"`
	Idle         bool   `json:"idle"`
}

// NoteEvents batches every note due at a frame into one broadcast so notes
// sharing a frame are never interleaved with unrelated traffic.
type NoteEvents struct {
	NoteOns  []NoteEvent `json:"note_ons,omitempty"`
	NoteOffs []NoteEvent `json:"note_offs,omitempty"`
}

type UserAllNotesOff struct {
	UserID string `json:"user_id"`
}

type PedalEvent struct {
	UserID string `json:"user_id"`
}

type InstrumentParamsSync struct {
	UserID       string             `json:"user_id"`
	InstrumentID string             `json:"instrument_id"`
	PatchObj     map[string]float64 `json:"patch_obj"`
	IsWholePatch bool               `json:"is_whole_patch"`
}

type ParamMappingSync struct {
	UserID       string  `json:"user_id"`
	InstrumentID string  `json:"instrument_id"`
	ParamID      string  `json:"param_id"`
	SrcVal       float64 `json:"src_val,omitempty"`
}

type PresetSync struct {
	UserID       string   `json:"user_id"`
	InstrumentID string   `json:"instrument_id"`
	PresetID     string   `json:"preset_id,omitempty"`
	Presets      []Preset `json:"presets,omitempty"`
}

type UserStateSync struct {
	User             *User        `json:"user"`
	ChatMessageEntry *ChatMessage `json:"chat_message_entry,omitempty"`
}

type CheerEvent struct {
	UserID string  `json:"user_id"`
	Text   string  `json:"text"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type RoomSummary struct {
	RoomID     string        `json:"room_id"`
	Name       string        `json:"name"`
	Population int           `json:"population"`
	Users      []UserSummary `json:"users,omitempty"`
	Stats      RoomStats     `json:"stats"`
}

type UserSummary struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	PingMS int    `json:"ping_ms"`
}

type PingMessage struct {
	Token           string        `json:"token"`
	Rooms           []RoomSummary `json:"rooms"`
	WorldPopulation int           `json:"world_population"`
	ServerUptimeSec float64       `json:"server_uptime_sec"`
}

type RoomBeat struct {
	BPM     float64 `json:"bpm"`
	Beat    int64   `json:"beat"`
	TimeSig int     `json:"time_sig"`
}

type RoomBPMUpdate struct {
	BPM     float64 `json:"bpm"`
	TimeSig int     `json:"time_sig"`
}

type PleaseReconnect struct{}

type ChangeRoomState struct {
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
}

type ServerStateDump struct {
	Dump json.RawMessage `json:"dump"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

func newServerMessage() *ServerMessage {
	return &ServerMessage{Timestamp: Now()}
}
