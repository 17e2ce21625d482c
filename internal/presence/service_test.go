package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct presence service: %v", err)
	}
	return service
}

func TestHeartbeatCollapsesTabsToOneRow(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	ctx := context.Background()

	if err := service.Heartbeat(ctx, "map-1", "user-a", "conn-1", "Alice", ""); err != nil {
		t.Fatalf("first heartbeat failed: %v", err)
	}
	if err := service.Heartbeat(ctx, "map-1", "user-a", "conn-2", "Alice", "https://cdn/a.png"); err != nil {
		t.Fatalf("second heartbeat failed: %v", err)
	}

	var count int64
	if err := db.Model(&Record{}).Where("map_id = ? AND user_id = ?", "map-1", "user-a").Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single collapsed row, found %d", count)
	}

	var record Record
	if err := db.Where("map_id = ? AND user_id = ?", "map-1", "user-a").Take(&record).Error; err != nil {
		t.Fatalf("failed to load row: %v", err)
	}
	if record.ConnectionID != "conn-2" {
		t.Fatalf("expected latest connection to win, got %q", record.ConnectionID)
	}
	if record.AvatarURL != "https://cdn/a.png" {
		t.Fatalf("expected avatar to be refreshed, got %q", record.AvatarURL)
	}
}

func TestHeartbeatRequiresIdentifiers(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)

	if err := service.Heartbeat(context.Background(), "map-1", "", "conn-1", "Alice", ""); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestPurgeStaleRemovesOnlyExpiredRows(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	service := newTestService(t, db, clock)
	ctx := context.Background()

	if err := service.Heartbeat(ctx, "map-1", "user-old", "conn-old", "Old", ""); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	now = now.Add(45 * time.Second)
	if err := service.Heartbeat(ctx, "map-1", "user-fresh", "conn-fresh", "Fresh", ""); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	now = now.Add(30 * time.Second)
	if err := service.PurgeStale(ctx, "map-1"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	users, err := service.Roster(ctx, "map-1")
	if err != nil {
		t.Fatalf("roster failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != "user-fresh" {
		t.Fatalf("expected only the fresh user to survive, got %#v", users)
	}
}

func TestRosterIsScopedToMap(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	ctx := context.Background()

	if err := service.Heartbeat(ctx, "map-1", "user-b", "conn-1", "Bob", ""); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := service.Heartbeat(ctx, "map-1", "user-a", "conn-2", "Alice", ""); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := service.Heartbeat(ctx, "map-2", "user-c", "conn-3", "Cara", ""); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	users, err := service.Roster(ctx, "map-1")
	if err != nil {
		t.Fatalf("roster failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected two users, got %#v", users)
	}
	if users[0].ID != "user-a" || users[1].ID != "user-b" {
		t.Fatalf("expected roster ordered by user id, got %#v", users)
	}
}

func TestLeaveIsIdempotentAndConnectionScoped(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	ctx := context.Background()

	if err := service.Heartbeat(ctx, "map-1", "user-a", "conn-2", "Alice", ""); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	// A stale tab's connection no longer holds the row; leaving with it
	// must not evict the newer tab.
	if err := service.Leave(ctx, "map-1", "conn-1"); err != nil {
		t.Fatalf("leave with stale connection failed: %v", err)
	}
	users, err := service.Roster(ctx, "map-1")
	if err != nil || len(users) != 1 {
		t.Fatalf("expected row to survive stale leave, got %#v (%v)", users, err)
	}

	if err := service.Leave(ctx, "map-1", "conn-2"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if err := service.Leave(ctx, "map-1", "conn-2"); err != nil {
		t.Fatalf("repeated leave should be a no-op, got %v", err)
	}
	users, err = service.Roster(ctx, "map-1")
	if err != nil || len(users) != 0 {
		t.Fatalf("expected empty roster, got %#v (%v)", users, err)
	}
}

func TestLeaveUserDropsRowRegardlessOfConnection(t *testing.T) {
	db := openTestDB(t)
	service := newTestService(t, db, time.Now)
	ctx := context.Background()

	if err := service.Heartbeat(ctx, "map-1", "user-a", "conn-9", "Alice", ""); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := service.LeaveUser(ctx, "map-1", "user-a"); err != nil {
		t.Fatalf("leave-user failed: %v", err)
	}
	users, err := service.Roster(ctx, "map-1")
	if err != nil || len(users) != 0 {
		t.Fatalf("expected empty roster, got %#v (%v)", users, err)
	}
}
