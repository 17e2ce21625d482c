package maps

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func seedMap(t *testing.T, service *Service) {
	t.Helper()
	ctx := context.Background()
	if err := service.CreateMap(ctx, "map-42", "dm-a", "The Sunken Keep", []byte(`{"size":50}`)); err != nil {
		t.Fatalf("failed to create map: %v", err)
	}
	if err := service.AddMember(ctx, "map-42", "player-b"); err != nil {
		t.Fatalf("failed to add member: %v", err)
	}
}

func TestAccessForResolvesRoles(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	seedMap(t, service)
	ctx := context.Background()

	role, err := service.AccessFor(ctx, "map-42", "dm-a")
	if err != nil || role != RoleDM {
		t.Fatalf("expected DM role, got %s (%v)", role, err)
	}
	role, err = service.AccessFor(ctx, "map-42", "player-b")
	if err != nil || role != RolePlayer {
		t.Fatalf("expected player role, got %s (%v)", role, err)
	}
	role, err = service.AccessFor(ctx, "map-42", "stranger")
	if err != nil || role != RoleNone {
		t.Fatalf("expected no role, got %s (%v)", role, err)
	}
	_, err = service.AccessFor(ctx, "map-unknown", "dm-a")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found for missing map, got %v", err)
	}
}

func TestTokenMoveAuthorization(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	seedMap(t, service)
	ctx := context.Background()

	if err := service.CreateToken(ctx, "map-42", "player-b", TokenWrite{TokenID: "t1", OwnerID: "player-b"}); err != nil {
		t.Fatalf("failed to create owned token: %v", err)
	}
	if err := service.AddMember(ctx, "map-42", "player-c"); err != nil {
		t.Fatalf("failed to add second member: %v", err)
	}

	move := TokenWrite{TokenID: "t1", OwnerID: "player-b", X: 5, Y: 7}
	if err := service.UpdateToken(ctx, "map-42", "player-c", move); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for non-owner move, got %v", err)
	}
	if err := service.UpdateToken(ctx, "map-42", "player-b", move); err != nil {
		t.Fatalf("expected owner move to succeed, got %v", err)
	}
	if err := service.UpdateToken(ctx, "map-42", "dm-a", move); err != nil {
		t.Fatalf("expected DM move to succeed, got %v", err)
	}
}

func TestDeleteDMOwnedTokenByPlayerIsForbidden(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	seedMap(t, service)
	ctx := context.Background()

	if err := service.CreateToken(ctx, "map-42", "dm-a", TokenWrite{TokenID: "t2"}); err != nil {
		t.Fatalf("failed to create DM token: %v", err)
	}

	if err := service.DeleteToken(ctx, "map-42", "player-b", "t2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	var count int64
	if err := db.Model(&Token{}).Where("map_id = ? AND token_id = ?", "map-42", "t2").Count(&count).Error; err != nil {
		t.Fatalf("failed to count tokens: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected token to remain in storage, found %d rows", count)
	}

	if err := service.DeleteToken(ctx, "map-42", "dm-a", "t2"); err != nil {
		t.Fatalf("expected DM delete to succeed, got %v", err)
	}
}

func TestReplaceDocumentIgnoresDMFieldsFromPlayers(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	seedMap(t, service)
	ctx := context.Background()

	name := "hijacked"
	grid := rawMessage(`{"size":5}`)
	fog := rawMessage(`{"cells":[1,2,3]}`)
	update := DocumentUpdate{Name: &name, Grid: &grid, Fog: &fog}
	if err := service.ReplaceDocument(ctx, "map-42", "player-b", update); err != nil {
		t.Fatalf("expected player replace to succeed, got %v", err)
	}

	var document Document
	if err := db.Where("map_id = ?", "map-42").Take(&document).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if document.Name != "The Sunken Keep" {
		t.Fatalf("expected name to be unchanged, got %q", document.Name)
	}
	if document.GridJSON != `{"size":50}` {
		t.Fatalf("expected grid to be unchanged, got %q", document.GridJSON)
	}
	if document.FogJSON != `{"cells":[1,2,3]}` {
		t.Fatalf("expected fog to be updated, got %q", document.FogJSON)
	}
}

func TestReplaceDocumentRejectsForeignTokenChangesEntirely(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	seedMap(t, service)
	ctx := context.Background()

	if err := service.CreateToken(ctx, "map-42", "player-b", TokenWrite{TokenID: "mine", OwnerID: "player-b"}); err != nil {
		t.Fatalf("failed to create owned token: %v", err)
	}
	if err := service.CreateToken(ctx, "map-42", "dm-a", TokenWrite{TokenID: "boss"}); err != nil {
		t.Fatalf("failed to create DM token: %v", err)
	}

	// The submission moves the caller's token but drops the DM's: reject
	// everything, apply nothing.
	tokens := []TokenWrite{{TokenID: "mine", OwnerID: "player-b", X: 9}}
	update := DocumentUpdate{Tokens: &tokens}
	if err := service.ReplaceDocument(ctx, "map-42", "player-b", update); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	var count int64
	if err := db.Model(&Token{}).Where("map_id = ?", "map-42").Count(&count).Error; err != nil {
		t.Fatalf("failed to count tokens: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected both tokens to survive, found %d", count)
	}
	var mine Token
	if err := db.Where("map_id = ? AND token_id = ?", "map-42", "mine").Take(&mine).Error; err != nil {
		t.Fatalf("failed to load token: %v", err)
	}
	if mine.X != 0 {
		t.Fatalf("expected rejected move to leave position unchanged, got x=%v", mine.X)
	}
}

func TestReplaceDocumentFromStrangerIsForbidden(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	seedMap(t, service)

	update := DocumentUpdate{Fog: ptrRaw(`{"cells":[]}`)}
	if err := service.ReplaceDocument(context.Background(), "map-42", "stranger", update); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestSnapshotIsRoleSelective(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	seedMap(t, service)
	ctx := context.Background()

	visible := TokenWrite{TokenID: "hero", OwnerID: "player-b", X: 1, Stats: rawMessage(`{"hp":12}`)}
	hidden := TokenWrite{TokenID: "ambush", Hidden: true, Stats: rawMessage(`{"hp":66}`)}
	if err := service.CreateToken(ctx, "map-42", "player-b", visible); err != nil {
		t.Fatalf("failed to create token: %v", err)
	}
	if err := service.CreateToken(ctx, "map-42", "dm-a", hidden); err != nil {
		t.Fatalf("failed to create hidden token: %v", err)
	}

	full, err := service.Snapshot(ctx, "map-42", RoleDM)
	if err != nil {
		t.Fatalf("failed to snapshot as DM: %v", err)
	}
	if full.Scope != ScopeFull || len(full.Tokens) != 2 || full.Name == "" || full.Grid == nil {
		t.Fatalf("unexpected DM snapshot: %#v", full)
	}

	reduced, err := service.Snapshot(ctx, "map-42", RolePlayer)
	if err != nil {
		t.Fatalf("failed to snapshot as player: %v", err)
	}
	if reduced.Scope != ScopeTokens {
		t.Fatalf("expected tokens-only scope, got %s", reduced.Scope)
	}
	if len(reduced.Tokens) != 1 || reduced.Tokens[0].TokenID != "hero" {
		t.Fatalf("expected only the visible token, got %#v", reduced.Tokens)
	}
	if reduced.Tokens[0].Stats != nil {
		t.Fatal("expected stats to be stripped from player view")
	}
	if reduced.Name != "" || reduced.Grid != nil || reduced.Fog != nil {
		t.Fatalf("expected document fields to be absent from player view: %#v", reduced)
	}
}

func TestMutationsBumpUpdatedAt(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	service := newTestService(t, db, clock)
	seedMap(t, service)
	ctx := context.Background()

	before, err := service.UpdatedAt(ctx, "map-42")
	if err != nil {
		t.Fatalf("failed to read updated-at: %v", err)
	}

	now = now.Add(30 * time.Second)
	if err := service.CreateToken(ctx, "map-42", "dm-a", TokenWrite{TokenID: "t9"}); err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	after, err := service.UpdatedAt(ctx, "map-42")
	if err != nil {
		t.Fatalf("failed to read updated-at: %v", err)
	}
	if after <= before {
		t.Fatalf("expected updated-at to advance, got %d -> %d", before, after)
	}
}

func ptrRaw(value string) *json.RawMessage {
	raw := json.RawMessage(value)
	return &raw
}
