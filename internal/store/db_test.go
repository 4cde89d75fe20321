package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/store/sqlite"
	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBasePath string

// TestMain handles setup and teardown for all tests
func TestMain(m *testing.M) {
	var err error
	testBasePath, err = os.MkdirTemp("", "plus-scheduler-test-*")
	if err != nil {
		fmt.Printf("Failed to create temp directory: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(testBasePath)
	os.Exit(code)
}

// setupTestStore creates a new store backed by a fresh database file
func setupTestStore(t *testing.T) *Store {
	dbPath := filepath.Join(testBasePath, t.Name()+".db")
	require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0o755))
	require.NoError(t, os.RemoveAll(dbPath))

	store, err := Initialize(t.Context(), map[string]string{"sqlite": dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newBackup(name string, tags ...string) types.Backup {
	return types.Backup{
		Name:      name,
		Tags:      tags,
		TargetURL: "file:///mnt/backups/" + name,
		DBPath:    "/var/lib/plus-scheduler/" + name + ".sqlite",
		Sources:   []string{"/home/user/" + name},
	}
}

func TestBackupCRUD(t *testing.T) {
	store := setupTestStore(t)

	t.Run("Basic CRUD Operations", func(t *testing.T) {
		backup := newBackup("documents", "daily", "home")
		backup.Description = "Home documents"
		backup.Settings = []types.Setting{
			{Name: "encryption-module", Value: "aes"},
			{Name: "passphrase", Value: "secret"},
		}
		backup.Filters = []types.Filter{
			{Order: 1, Include: false, Expression: "*.tmp"},
			{Order: 0, Include: true, Expression: "/home/user/documents/*"},
		}
		backup.Metadata = map[string]string{"LastBackupDate": "20240101T000000Z"}

		id, err := store.Database.CreateBackup(nil, backup)
		require.NoError(t, err)
		assert.NotZero(t, id)

		retrieved, err := store.Database.GetBackup(id)
		require.NoError(t, err)
		assert.Equal(t, id, retrieved.ID)
		assert.Equal(t, "documents", retrieved.Name)
		assert.Equal(t, []string{"daily", "home"}, retrieved.Tags)
		assert.Equal(t, backup.Sources, retrieved.Sources)
		assert.Equal(t, backup.Settings, retrieved.Settings)
		require.Len(t, retrieved.Filters, 2)
		assert.Equal(t, "/home/user/documents/*", retrieved.Filters[0].Expression)
		assert.Equal(t, "20240101T000000Z", retrieved.Metadata["LastBackupDate"])

		retrieved.Description = "Updated description"
		retrieved.Settings = []types.Setting{{Name: "passphrase", Value: "changed"}}
		require.NoError(t, store.Database.UpdateBackup(nil, retrieved))

		updated, err := store.Database.GetBackup(id)
		require.NoError(t, err)
		assert.Equal(t, "Updated description", updated.Description)
		assert.Equal(t, []types.Setting{{Name: "passphrase", Value: "changed"}}, updated.Settings)
		assert.Equal(t, "20240101T000000Z", updated.Metadata["LastBackupDate"], "update keeps metadata")

		backups, err := store.Database.GetAllBackups()
		require.NoError(t, err)
		assert.Len(t, backups, 1)

		require.NoError(t, store.Database.DeleteBackup(nil, id))

		_, err = store.Database.GetBackup(id)
		assert.ErrorIs(t, err, sql.ErrNoRows)
		assert.ErrorIs(t, store.Database.DeleteBackup(nil, id), sql.ErrNoRows)
	})

	t.Run("Concurrent Operations", func(t *testing.T) {
		var wg sync.WaitGroup
		backupCount := 10

		for i := 0; i < backupCount; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, err := store.Database.CreateBackup(nil, newBackup(fmt.Sprintf("concurrent-%d", idx)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		backups, err := store.Database.GetAllBackups()
		require.NoError(t, err)
		assert.Len(t, backups, backupCount)
	})

	t.Run("Explicit Transaction", func(t *testing.T) {
		tx, err := store.Database.NewTransaction()
		require.NoError(t, err)

		id, err := store.Database.CreateBackup(tx, newBackup("rolled-back"))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		_, err = store.Database.GetBackup(id)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestBackupValidation(t *testing.T) {
	store := setupTestStore(t)

	tests := []struct {
		name    string
		backup  types.Backup
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid backup",
			backup:  newBackup("valid"),
			wantErr: false,
		},
		{
			name: "absolute path target",
			backup: types.Backup{
				Name:      "local",
				TargetURL: "/mnt/backups/local",
			},
			wantErr: false,
		},
		{
			name: "empty name",
			backup: types.Backup{
				TargetURL: "file:///mnt/backups",
			},
			wantErr: true,
			errMsg:  "name is empty",
		},
		{
			name: "relative target",
			backup: types.Backup{
				Name:      "relative",
				TargetURL: "backups/relative",
			},
			wantErr: true,
			errMsg:  "invalid target url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Database.CreateBackup(nil, tt.backup)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" && err != nil {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackupIDsForTags(t *testing.T) {
	store := setupTestStore(t)

	a, err := store.Database.CreateBackup(nil, newBackup("a", "daily"))
	require.NoError(t, err)
	b, err := store.Database.CreateBackup(nil, newBackup("b", "daily", "weekly"))
	require.NoError(t, err)
	c, err := store.Database.CreateBackup(nil, newBackup("c", "weekly"))
	require.NoError(t, err)

	tests := []struct {
		name string
		tags []string
		want []int64
	}{
		{name: "single tag", tags: []string{"daily"}, want: []int64{a, b}},
		{name: "distinct across tags", tags: []string{"daily", "weekly"}, want: []int64{a, b, c}},
		{name: "direct id", tags: []string{fmt.Sprintf("ID=%d", c)}, want: []int64{c}},
		{name: "direct id and tag overlap", tags: []string{fmt.Sprintf("ID=%d", a), "daily"}, want: []int64{a, b}},
		{name: "unknown tag", tags: []string{"monthly"}, want: nil},
		{name: "malformed id", tags: []string{"ID=abc"}, want: nil},
		{name: "no tags", tags: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := store.Database.GetBackupIDsForTags(tt.tags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestScheduleCRUD(t *testing.T) {
	store := setupTestStore(t)

	start := time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC)
	schedule := types.Schedule{
		Tags:        []string{"daily"},
		Time:        start,
		Repeat:      "1D",
		AllowedDays: []time.Weekday{time.Monday, time.Wednesday, time.Friday},
	}

	id, err := store.Database.CreateSchedule(nil, schedule)
	require.NoError(t, err)

	retrieved, err := store.Database.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, start, retrieved.Time)
	assert.True(t, retrieved.LastRun.IsZero())
	assert.Equal(t, "1D", retrieved.Repeat)
	assert.Equal(t, schedule.AllowedDays, retrieved.AllowedDays)

	retrieved.Repeat = "2h"
	retrieved.AllowedDays = nil
	require.NoError(t, store.Database.UpdateSchedule(nil, retrieved))

	updated, err := store.Database.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, "2h", updated.Repeat)
	assert.Empty(t, updated.AllowedDays)

	next := start.Add(48 * time.Hour)
	last := start.Add(time.Minute)
	require.NoError(t, store.Database.SaveNextRun(id, next, last))

	saved, err := store.Database.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, next, saved.Time)
	assert.Equal(t, last, saved.LastRun)

	err = store.Database.SaveNextRun(id+100, next, last)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	schedules, err := store.Database.ListSchedules()
	require.NoError(t, err)
	assert.Len(t, schedules, 1)

	require.NoError(t, store.Database.DeleteSchedule(nil, id))
	_, err = store.Database.GetSchedule(id)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestScheduleValidation(t *testing.T) {
	store := setupTestStore(t)

	tests := []struct {
		name    string
		repeat  string
		wantErr bool
	}{
		{name: "days", repeat: "1D"},
		{name: "compound", repeat: "1W2h"},
		{name: "empty repeat runs once", repeat: ""},
		{name: "unknown unit", repeat: "3q", wantErr: true},
		{name: "garbage", repeat: "every day", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Database.CreateSchedule(nil, types.Schedule{
				Tags:   []string{"x"},
				Time:   time.Now().UTC(),
				Repeat: tt.repeat,
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeleteBackupRemovesScheduleTag(t *testing.T) {
	store := setupTestStore(t)

	id, err := store.Database.CreateBackup(nil, newBackup("tagged", "daily"))
	require.NoError(t, err)
	idTag := fmt.Sprintf("ID=%d", id)

	only, err := store.Database.CreateSchedule(nil, types.Schedule{Tags: []string{idTag}, Time: time.Now().UTC()})
	require.NoError(t, err)
	shared, err := store.Database.CreateSchedule(nil, types.Schedule{Tags: []string{idTag, "daily"}, Time: time.Now().UTC()})
	require.NoError(t, err)

	require.NoError(t, store.Database.DeleteBackup(nil, id))

	_, err = store.Database.GetSchedule(only)
	assert.ErrorIs(t, err, sql.ErrNoRows, "schedule with no remaining tags is removed")

	remaining, err := store.Database.GetSchedule(shared)
	require.NoError(t, err)
	assert.Equal(t, []string{"daily"}, remaining.Tags)
}

func TestMetadata(t *testing.T) {
	store := setupTestStore(t)

	id, err := store.Database.CreateBackup(nil, newBackup("meta"))
	require.NoError(t, err)
	other, err := store.Database.CreateBackup(nil, newBackup("other"))
	require.NoError(t, err)

	require.NoError(t, store.Database.SetMetadata(id, map[string]string{
		"BackupInProgress": "true",
		"LastErrorMessage": "disk full",
	}))
	require.NoError(t, store.Database.SetMetadata(other, map[string]string{"BackupInProgress": "false"}))

	ids, err := store.Database.GetBackupIDsWithMetadata("BackupInProgress", "true")
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)

	require.NoError(t, store.Database.SetMetadata(id, map[string]string{"LastErrorMessage": ""}))

	metadata, err := store.Database.GetMetadata(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"BackupInProgress": "true"}, metadata)

	assert.NoError(t, store.Database.SetMetadata(id, nil))
}

func TestNotifications(t *testing.T) {
	store := setupTestStore(t)

	first := types.Notification{
		Type:     types.NotificationWarning,
		Title:    "Warning while running documents",
		Message:  "1 file skipped",
		BackupID: "1",
		Action:   "backup:show-log",
	}

	firstID, err := store.Database.RegisterNotification(first, nil)
	require.NoError(t, err)

	// Replaces any earlier notification for the same backup and type.
	dedupe := func(n types.Notification, existing []types.Notification) *types.Notification {
		for _, e := range existing {
			if e.BackupID == n.BackupID && e.Type == n.Type {
				n.ID = e.ID
				return &n
			}
		}
		return nil
	}

	second := first
	second.Message = "2 files skipped"
	secondID, err := store.Database.RegisterNotification(second, dedupe)
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)

	third := first
	third.Type = types.NotificationError
	third.Message = "failed"
	thirdID, err := store.Database.RegisterNotification(third, dedupe)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, thirdID)

	list, err := store.Database.GetNotifications()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2 files skipped", list[0].Message)
	assert.Equal(t, types.NotificationError, list[1].Type)
	assert.False(t, list[0].Timestamp.IsZero())

	require.NoError(t, store.Database.DismissNotification(firstID))
	assert.ErrorIs(t, store.Database.DismissNotification(firstID), sql.ErrNoRows)

	list, err = store.Database.GetNotifications()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestErrorLogAndPurge(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.Database.LogError("1", "Failed while executing backup", errors.New("boom")))
	require.NoError(t, store.Database.LogError("2", "Failed while executing backup", nil))

	entries, err := store.Database.GetErrorLog(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2", entries[0].BackupID, "newest first")
	assert.Equal(t, "boom", entries[1].Exception)

	_, err = store.Database.RegisterNotification(types.Notification{
		Type:      types.NotificationInformation,
		Title:     "old",
		Timestamp: time.Now().Add(-48 * time.Hour),
	}, nil)
	require.NoError(t, err)

	removed, err := store.Database.PurgeBefore(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	removed, err = store.Database.PurgeBefore(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
}

func TestSettings(t *testing.T) {
	store := setupTestStore(t)

	t.Run("Common Options", func(t *testing.T) {
		common := []types.Setting{
			{Name: "--asynchronous-upload-limit", Value: "4"},
			{Name: "--passphrase", Value: "shared"},
		}
		require.NoError(t, store.Database.SetCommonOptions(nil, common))

		got, err := store.Database.GetSettings(sqlite.CommonOptionsID)
		require.NoError(t, err)
		assert.Equal(t, common, got)

		require.NoError(t, store.Database.SetCommonOptions(nil, common[:1]))
		got, err = store.Database.GetSettings(sqlite.CommonOptionsID)
		require.NoError(t, err)
		assert.Equal(t, common[:1], got)
	})

	t.Run("Application Settings", func(t *testing.T) {
		empty, err := store.Database.GetApplicationSettings()
		require.NoError(t, err)
		assert.Equal(t, types.ApplicationSettings{}, empty)

		settings := types.ApplicationSettings{
			StartupDelayDuration:   90 * time.Second,
			ThreadPriorityOverride: "belownormal",
			UploadSpeedLimit:       "5MB",
			Timezone:               "Europe/Copenhagen",
		}
		require.NoError(t, store.Database.SaveApplicationSettings(nil, settings))

		got, err := store.Database.GetApplicationSettings()
		require.NoError(t, err)
		assert.Equal(t, settings, got)
		assert.Equal(t, "Europe/Copenhagen", got.Timezone)
	})
}
