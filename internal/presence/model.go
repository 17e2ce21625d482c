package presence

// Record is the durable presence row for one user on one map. The key is
// (map id, user id): a user with several open tabs collapses to a single row
// holding whichever connection heartbeat last.
type Record struct {
	MapID         string `gorm:"column:map_id;primaryKey;size:190;not null"`
	UserID        string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ConnectionID  string `gorm:"column:connection_id;size:190;not null;index"`
	DisplayName   string `gorm:"column:display_name;size:320;not null;default:''"`
	AvatarURL     string `gorm:"column:avatar_url;size:512;not null;default:''"`
	LastSeenAtSec int64  `gorm:"column:last_seen_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "map_presence"
}

// User is one entry in the active roster, deduplicated by user id.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}
