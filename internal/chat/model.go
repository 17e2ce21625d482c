package chat

import "encoding/json"

// MaxTextLength bounds the text of a single chat message.
const MaxTextLength = 500

// Message is the logical chat message shared by both persistence paths and
// the relay buffer.
type Message struct {
	ID          string          `json:"id"`
	MapID       string          `json:"mapId"`
	SenderID    string          `json:"senderId"`
	SenderName  string          `json:"senderName"`
	Role        string          `json:"role"`
	Text        string          `json:"text"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	SentAtSec   int64           `json:"sentAt"`
}

// IsWhisper reports whether the message is restricted to sender and recipient.
func (m Message) IsWhisper() bool {
	return m.RecipientID != ""
}

// Row is the synchronous-path storage record: one row per message, inserted
// at send time by the authenticated endpoint.
type Row struct {
	MessageID    string `gorm:"column:message_id;primaryKey;size:190;not null"`
	MapID        string `gorm:"column:map_id;size:190;not null;index:idx_chat_map_time,priority:1"`
	SenderID     string `gorm:"column:sender_id;size:190;not null"`
	SenderName   string `gorm:"column:sender_name;size:320;not null;default:''"`
	Role         string `gorm:"column:role;size:16;not null;default:'player'"`
	Text         string `gorm:"column:text;size:500;not null"`
	MetadataJSON string `gorm:"column:metadata_json;type:text;not null;default:''"`
	RecipientID  string `gorm:"column:recipient_id;size:190;not null;default:''"`
	SentAtSec    int64  `gorm:"column:sent_at_s;not null;index:idx_chat_map_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "chat_messages"
}

// Batch is the asynchronous-path storage record: one ordered chunk of relay
// buffer flushed as a single row to bound write amplification. The same
// logical message may exist both as a Row and inside a Batch; readers dedupe
// by message id.
type Batch struct {
	BatchID          string `gorm:"column:batch_id;primaryKey;size:190;not null"`
	MapID            string `gorm:"column:map_id;size:190;not null;index"`
	MessagesJSON     string `gorm:"column:messages_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Batch) TableName() string {
	return "chat_batches"
}
