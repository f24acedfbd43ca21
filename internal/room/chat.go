package room

import (
	"fmt"
	"time"

	"github.com/teris-io/shortid"
)

type ChatMessageType string

const (
	ChatMessageTypeChat      ChatMessageType = "chat"
	ChatMessageTypeJoin      ChatMessageType = "join"
	ChatMessageTypePart      ChatMessageType = "part"
	ChatMessageTypeNick      ChatMessageType = "nick"
	ChatMessageTypeAggregate ChatMessageType = "aggregate"
)

// aggregateWindow is how far apart join/part/nick entries may be and still
// collapse into one aggregate entry.
const aggregateWindow = 10 * time.Second

// ChatMessage denormalizes the sender's name and color so history renders
// correctly after the user has left the room.
type ChatMessage struct {
	MessageID     string          `json:"message_id"`
	Type          ChatMessageType `json:"type"`
	FromUserID    string          `json:"from_user_id,omitempty"`
	FromUserName  string          `json:"from_user_name,omitempty"`
	FromUserColor string          `json:"from_user_color,omitempty"`
	ToUserID      string          `json:"to_user_id,omitempty"`
	Message       string          `json:"message"`
	Timestamp     time.Time       `json:"timestamp"`
	Absorbed      []*ChatMessage  `json:"absorbed,omitempty"`
}

func NewChatMessage(t ChatMessageType, from *User, message string, ts time.Time) *ChatMessage {
	m := &ChatMessage{
		MessageID: shortid.MustGenerate(),
		Type:      t,
		Message:   message,
		Timestamp: ts,
	}
	if from != nil {
		m.FromUserID = from.UserID
		m.FromUserName = from.Name
		m.FromUserColor = from.Color
	}
	return m
}

func isAggregatable(t ChatMessageType) bool {
	switch t {
	case ChatMessageTypeJoin, ChatMessageTypePart, ChatMessageTypeNick:
		return true
	}
	return false
}

// AppendChat appends a message to the log. When a non-aggregatable message
// follows a run of join/part/nick entries, the run is first collapsed into a
// single aggregate entry; the aggregate is created lazily at this point
// rather than eagerly on every join.
func (s *RoomState) AppendChat(m *ChatMessage) {
	if !isAggregatable(m.Type) {
		s.collapseTailRun()
	}
	s.ChatLog = append(s.ChatLog, m)
}

func (s *RoomState) collapseTailRun() {
	start := len(s.ChatLog)
	for start > 0 && isAggregatable(s.ChatLog[start-1].Type) {
		start--
	}
	run := s.ChatLog[start:]
	if len(run) < 2 {
		return
	}
	if run[len(run)-1].Timestamp.Sub(run[0].Timestamp) > aggregateWindow {
		return
	}

	absorbed := make([]*ChatMessage, len(run))
	copy(absorbed, run)
	agg := &ChatMessage{
		MessageID: shortid.MustGenerate(),
		Type:      ChatMessageTypeAggregate,
		Message:   fmt.Sprintf("%d room events", len(absorbed)),
		Timestamp: absorbed[len(absorbed)-1].Timestamp,
		Absorbed:  absorbed,
	}
	s.ChatLog = append(s.ChatLog[:start], agg)
}

// PruneChat drops entries older than maxAge and returns how many were
// removed. Re-running with no time elapsed removes nothing further.
func (s *RoomState) PruneChat(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)
	keep := 0
	for keep < len(s.ChatLog) && s.ChatLog[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep == 0 {
		return 0
	}
	s.ChatLog = append([]*ChatMessage{}, s.ChatLog[keep:]...)
	return keep
}
