package relay

import (
	"encoding/json"

	"github.com/ironquill/battlemap/internal/chat"
	"github.com/ironquill/battlemap/internal/presence"
)

// Message kinds the relay handles itself. Every other tagged kind (token
// moves, fog paints, cursor pings, dice rolls, combat events, drawings,
// walls, DM transfer, full-document sync) is forwarded verbatim to the rest
// of the session with no payload validation.
const (
	KindChat      = "chat"
	KindChatClear = "chat-clear"

	// Server-originated kinds.
	KindPresence        = "presence"
	KindParticipantLeft = "participant-left"
	KindChatHistory     = "chat-history"
)

// envelope is the minimal shape every relayed message must carry.
type envelope struct {
	Type string `json:"type"`
}

// chatFrame is the client-submitted chat payload. Sender identity comes from
// the connection registry, never from the frame.
type chatFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	Role        string          `json:"role"`
	Metadata    json.RawMessage `json:"metadata"`
	RecipientID string          `json:"recipientId"`
}

type chatBroadcast struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

type chatHistoryFrame struct {
	Type     string         `json:"type"`
	Messages []chat.Message `json:"messages"`
}

type presenceFrame struct {
	Type  string          `json:"type"`
	Users []presence.User `json:"users"`
}

type participantLeftFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}
