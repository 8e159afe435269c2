package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	deviceagent "github.com/httprunner/DeviceAgent"
	"github.com/httprunner/DeviceAgent/pkg/device"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.sqlite"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndListInvocations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := deviceagent.InvocationRecord{
		InvocationID: "inv-1",
		CommandID:    "cmd-1",
		Args:         []string{"--test-cmd", "am instrument -w com.example/.Runner"},
		DeviceSerial: "A",
		Attempt:      1,
		StartAt:      base,
		EndAt:        base.Add(time.Minute),
		Outcome:      "device_not_available",
		ErrorMessage: "device A not available: closed",
	}
	second := first
	second.InvocationID = "inv-2"
	second.DeviceSerial = "B"
	second.Attempt = 2
	second.Rescheduled = true
	second.StartAt = base.Add(2 * time.Minute)
	second.EndAt = base.Add(3 * time.Minute)
	second.Outcome = "success"
	second.ErrorMessage = ""

	for _, rec := range []deviceagent.InvocationRecord{first, second} {
		if err := store.RecordInvocation(ctx, rec); err != nil {
			t.Fatalf("record invocation failed: %v", err)
		}
	}

	got, err := store.RecentInvocations(ctx, 10)
	if err != nil {
		t.Fatalf("list invocations failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(got))
	}
	if got[0].InvocationID != "inv-2" || !got[0].Rescheduled || got[0].Outcome != "success" {
		t.Fatalf("unexpected newest record %+v", got[0])
	}
	if got[1].ErrorMessage != first.ErrorMessage || len(got[1].Args) != 2 || got[1].Args[1] != first.Args[1] {
		t.Fatalf("unexpected oldest record %+v", got[1])
	}
	if !got[1].EndAt.Equal(first.EndAt) {
		t.Fatalf("end time mismatch: %s vs %s", got[1].EndAt, first.EndAt)
	}

	limited, err := store.RecentInvocations(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected 1 limited record, got %d (%v)", len(limited), err)
	}
	if err := store.RecordInvocation(ctx, deviceagent.InvocationRecord{}); err == nil {
		t.Fatalf("expected error for empty invocation id")
	}
}

func TestUpsertDevicesKeepsMeta(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := store.UpsertDevices(ctx, []device.InfoUpdate{{
		DeviceSerial: "A",
		Status:       "idle",
		OSType:       "android",
		OSVersion:    "14",
		ProductType:  "husky",
		AgentVersion: "v1",
		LastSeenAt:   seen,
	}})
	if err != nil {
		t.Fatalf("upsert devices failed: %v", err)
	}
	if err := store.UpsertDevices(ctx, []device.InfoUpdate{{DeviceSerial: "A", Status: "offline"}}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	status, err := store.DeviceStatus(ctx, "A")
	if err != nil || status != "offline" {
		t.Fatalf("expected offline, got %q (%v)", status, err)
	}
	var osVersion, product sql.NullString
	row := store.db.QueryRow(`SELECT os_version, product_type FROM devices WHERE serial = ?`, "A")
	if err := row.Scan(&osVersion, &product); err != nil {
		t.Fatalf("scan device failed: %v", err)
	}
	if osVersion.String != "14" || product.String != "husky" {
		t.Fatalf("meta should survive status-only update: %s/%s", osVersion.String, product.String)
	}
	if status, err := store.DeviceStatus(ctx, "missing"); err != nil || status != "" {
		t.Fatalf("expected empty status for unknown device, got %q (%v)", status, err)
	}
}

func TestOpenMigratesOldDevicesTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE devices (serial TEXT PRIMARY KEY, status TEXT NOT NULL, os_type TEXT,
		os_version TEXT, product_type TEXT, is_root TEXT, provider_uuid TEXT, last_seen_at TEXT);`); err != nil {
		t.Fatalf("create old table failed: %v", err)
	}
	db.Close()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	defer store.Close()
	exists, err := columnExists(store.db, devicesTable, "agent_version")
	if err != nil || !exists {
		t.Fatalf("expected agent_version column after migration (%v)", err)
	}
}
