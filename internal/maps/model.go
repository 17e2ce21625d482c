package maps

import (
	"encoding/json"
	"errors"
	"strings"
)

// Role describes what a caller may do to a map document.
type Role string

const (
	// RoleDM is held by the map document owner and carries full authority.
	RoleDM Role = "dm"
	// RolePlayer is held by fellow group members.
	RolePlayer Role = "player"
	// RoleNone is held by callers with no relationship to the map.
	RoleNone Role = "none"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidMapID indicates that a map identifier is empty or exceeds storage bounds.
	ErrInvalidMapID = errors.New("maps: invalid map id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("maps: invalid user id")
	// ErrInvalidTokenID indicates that a token identifier is empty or exceeds storage bounds.
	ErrInvalidTokenID = errors.New("maps: invalid token id")
	// ErrForbidden indicates the caller is authenticated but lacks the required
	// role or ownership for the attempted mutation.
	ErrForbidden = errors.New("maps: forbidden")
	// ErrNotFound indicates the map or token does not exist.
	ErrNotFound = errors.New("maps: not found")
)

func validIdentifier(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return trimmed != "" && len(trimmed) <= maxIdentifierLength
}

// Document models the persisted per-map document. Tokens live in their own
// table; everything else is stored as opaque JSON columns because the server
// never interprets drawings, fog, or combat state beyond authorization.
type Document struct {
	MapID            string `gorm:"column:map_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	Name             string `gorm:"column:name;size:320;not null"`
	GridJSON         string `gorm:"column:grid_json;type:text;not null;default:''"`
	FogJSON          string `gorm:"column:fog_json;type:text;not null;default:''"`
	DrawingsJSON     string `gorm:"column:drawings_json;type:text;not null;default:''"`
	CombatJSON       string `gorm:"column:combat_json;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "map_documents"
}

// Token models one placeable object on a map. An empty OwnerID means the
// token belongs to the DM.
type Token struct {
	MapID            string  `gorm:"column:map_id;primaryKey;size:190;not null"`
	TokenID          string  `gorm:"column:token_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;default:'';index"`
	Layer            string  `gorm:"column:layer;size:64;not null;default:'tokens'"`
	X                float64 `gorm:"column:x;not null;default:0"`
	Y                float64 `gorm:"column:y;not null;default:0"`
	Name             string  `gorm:"column:name;size:320;not null;default:''"`
	ImageURL         string  `gorm:"column:image_url;size:512;not null;default:''"`
	Size             float64 `gorm:"column:size;not null;default:1"`
	Color            string  `gorm:"column:color;size:32;not null;default:''"`
	Hidden           bool    `gorm:"column:hidden;not null;default:false"`
	StatsJSON        string  `gorm:"column:stats_json;type:text;not null;default:''"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Token) TableName() string {
	return "map_tokens"
}

// Membership records that a user belongs to a map's play group.
type Membership struct {
	MapID           string `gorm:"column:map_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "map_members"
}

// SnapshotScope labels how much of the document a snapshot carries.
type SnapshotScope string

const (
	// ScopeFull carries the whole document and is reserved for the DM.
	ScopeFull SnapshotScope = "full"
	// ScopeTokens carries only the player-visible token fields.
	ScopeTokens SnapshotScope = "tokens-only"
)

// TokenView is the wire representation of a token.
type TokenView struct {
	TokenID  string          `json:"id"`
	OwnerID  string          `json:"ownerId,omitempty"`
	Layer    string          `json:"layer"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	Name     string          `json:"name,omitempty"`
	ImageURL string          `json:"imageUrl,omitempty"`
	Size     float64         `json:"size,omitempty"`
	Color    string          `json:"color,omitempty"`
	Hidden   bool            `json:"hidden,omitempty"`
	Stats    json.RawMessage `json:"stats,omitempty"`
}

// Snapshot is the wire representation of a map document, reduced or full
// depending on the viewer's role.
type Snapshot struct {
	MapID            string          `json:"mapId"`
	Scope            SnapshotScope   `json:"scope"`
	Name             string          `json:"name,omitempty"`
	OwnerID          string          `json:"ownerId,omitempty"`
	Grid             json.RawMessage `json:"grid,omitempty"`
	Fog              json.RawMessage `json:"fog,omitempty"`
	Drawings         json.RawMessage `json:"drawings,omitempty"`
	Combat           json.RawMessage `json:"combat,omitempty"`
	Tokens           []TokenView     `json:"tokens"`
	UpdatedAtSeconds int64           `json:"updatedAt"`
}

// TokenWrite is a client-submitted token, used for per-token endpoints and
// whole-collection replaces.
type TokenWrite struct {
	TokenID  string          `json:"id"`
	OwnerID  string          `json:"ownerId"`
	Layer    string          `json:"layer"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	Name     string          `json:"name"`
	ImageURL string          `json:"imageUrl"`
	Size     float64         `json:"size"`
	Color    string          `json:"color"`
	Hidden   bool            `json:"hidden"`
	Stats    json.RawMessage `json:"stats"`
}

// DocumentUpdate is a whole-document replace submission. Nil fields are left
// untouched in storage.
type DocumentUpdate struct {
	Name     *string          `json:"name"`
	Grid     *json.RawMessage `json:"grid"`
	Fog      *json.RawMessage `json:"fog"`
	Drawings *json.RawMessage `json:"drawings"`
	Combat   *json.RawMessage `json:"combat"`
	Tokens   *[]TokenWrite    `json:"tokens"`
}

func tokenView(token Token) TokenView {
	view := TokenView{
		TokenID:  token.TokenID,
		OwnerID:  token.OwnerID,
		Layer:    token.Layer,
		X:        token.X,
		Y:        token.Y,
		Name:     token.Name,
		ImageURL: token.ImageURL,
		Size:     token.Size,
		Color:    token.Color,
		Hidden:   token.Hidden,
	}
	if token.StatsJSON != "" {
		view.Stats = json.RawMessage(token.StatsJSON)
	}
	return view
}

// playerTokenView strips DM-only information: stats and the hidden flag.
// Hidden tokens are excluded entirely before this is called.
func playerTokenView(token Token) TokenView {
	return TokenView{
		TokenID:  token.TokenID,
		OwnerID:  token.OwnerID,
		Layer:    token.Layer,
		X:        token.X,
		Y:        token.Y,
		Name:     token.Name,
		ImageURL: token.ImageURL,
		Size:     token.Size,
		Color:    token.Color,
	}
}

func rawOrNil(value string) json.RawMessage {
	if value == "" {
		return nil
	}
	return json.RawMessage(value)
}
