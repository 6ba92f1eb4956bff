package database

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/shrinkray/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(config.DatabaseConfig{
		Type:       "sqlite",
		Path:       filepath.Join(dir, "catalog.db"),
		BackupPath: filepath.Join(dir, "catalog_backup.db"),
	}, true, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addFile(t *testing.T, store *Store, path string, size int64) {
	t.Helper()
	require.NoError(t, store.AddNewFile(&FileRecord{
		FilePath:      path,
		FileName:      filepath.Base(path),
		DirectoryPath: filepath.Dir(path),
		OriginalSize:  size,
		Checksum:      "abc123",
	}))
}

func strPtr(s string) *string       { return &s }
func intPtr(i int) *int             { return &i }
func i64Ptr(i int64) *int64         { return &i }
func f64Ptr(f float64) *float64     { return &f }
func timePtr(t time.Time) *time.Time { return &t }

func TestAddNewFileIdempotent(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/a.mkv", 500)

	first, err := store.GetFileStatus("/media/a.mkv")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StatusNew, first.Status)

	// Re-adding the same path must not reset its state, only refresh
	// last_checked and checksum.
	require.NoError(t, store.UpdateFileStatus("/media/a.mkv", FileRecordUpdate{
		Status: strPtr(StatusCompleted),
	}))
	require.NoError(t, store.AddNewFile(&FileRecord{
		FilePath: "/media/a.mkv",
		Checksum: "def456",
	}))

	after, err := store.GetFileStatus("/media/a.mkv")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status)
	assert.Equal(t, "def456", after.Checksum)

	var count int64
	require.NoError(t, store.conn().Model(&FileRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGetFileStatusMissing(t *testing.T) {
	store := openTestStore(t)
	record, err := store.GetFileStatus("/media/nope.mkv")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestUpdateFileStatusPartial(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/a.mkv", 500)

	now := time.Now()
	update := FileRecordUpdate{
		Status:                    strPtr(StatusCompleted),
		CompressedSize:            i64Ptr(300),
		QualityScore:              f64Ptr(92.5),
		CompressionDate:           timePtr(now),
		IncrementCompressionCount: true,
	}
	require.NoError(t, store.UpdateFileStatus("/media/a.mkv", update))
	// Applying the same update twice is idempotent for plain fields.
	require.NoError(t, store.UpdateFileStatus("/media/a.mkv", FileRecordUpdate{
		Status:         strPtr(StatusCompleted),
		CompressedSize: i64Ptr(300),
	}))

	record, err := store.GetFileStatus("/media/a.mkv")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, int64(300), record.CompressedSize)
	assert.Equal(t, 92.5, record.QualityScore)
	assert.Equal(t, int64(500), record.OriginalSize, "untouched fields survive")
	assert.Equal(t, 1, record.CompressionCount)
}

func TestCompressionCountIncrementsAtomically(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/a.mkv", 500)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.UpdateFileStatus("/media/a.mkv", FileRecordUpdate{
			IncrementCompressionCount: true,
		}))
	}

	record, err := store.GetFileStatus("/media/a.mkv")
	require.NoError(t, err)
	assert.Equal(t, 3, record.CompressionCount)
}

func TestErrorMessageTruncated(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/a.mkv", 500)

	long := strings.Repeat("x", 5000)
	require.NoError(t, store.UpdateFileStatus("/media/a.mkv", FileRecordUpdate{
		Status:       strPtr(StatusError),
		ErrorMessage: strPtr(long),
	}))

	record, err := store.GetFileStatus("/media/a.mkv")
	require.NoError(t, err)
	assert.Len(t, record.ErrorMessage, 1000)
}

func TestGetFilesForCompressionOrdering(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/small.mkv", 100)
	addFile(t, store, "/media/big.mkv", 900)
	addFile(t, store, "/media/urgent.mkv", 50)

	_, err := store.PromoteScanned()
	require.NoError(t, err)
	require.NoError(t, store.UpdateFileStatus("/media/urgent.mkv", FileRecordUpdate{
		Priority: intPtr(10),
	}))

	queue, err := store.GetFilesForCompression(10)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "/media/urgent.mkv", queue[0].FilePath, "priority wins")
	assert.Equal(t, "/media/big.mkv", queue[1].FilePath, "size breaks ties")
	assert.Equal(t, "/media/small.mkv", queue[2].FilePath)

	limited, err := store.GetFilesForCompression(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPromoteScanned(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/new.mkv", 100)
	addFile(t, store, "/media/changed.mkv", 100)
	addFile(t, store, "/media/done.mkv", 100)
	require.NoError(t, store.UpdateFileStatus("/media/changed.mkv", FileRecordUpdate{
		Status: strPtr(StatusNeedsReprocessing),
	}))
	require.NoError(t, store.UpdateFileStatus("/media/done.mkv", FileRecordUpdate{
		Status: strPtr(StatusCompleted),
	}))

	promoted, err := store.PromoteScanned()
	require.NoError(t, err)
	assert.Equal(t, int64(2), promoted)

	pending, err := store.GetFilesForCompression(10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, record := range pending {
		assert.NotNil(t, record.QueuedAt)
	}

	done, err := store.GetFileStatus("/media/done.mkv")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestResetInterrupted(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/paused.mkv", 100)
	addFile(t, store, "/media/running.mkv", 100)
	require.NoError(t, store.UpdateFileStatus("/media/paused.mkv", FileRecordUpdate{
		Status: strPtr(StatusPaused),
	}))
	require.NoError(t, store.UpdateFileStatus("/media/running.mkv", FileRecordUpdate{
		Status: strPtr(StatusInProgress),
	}))

	reset, err := store.ResetInterrupted()
	require.NoError(t, err)
	assert.Equal(t, int64(2), reset)

	pending, err := store.GetFilesForCompression(10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestResumePausedLeavesNoPausedRows(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/a.mkv", 100)
	addFile(t, store, "/media/b.mkv", 100)
	for _, p := range []string{"/media/a.mkv", "/media/b.mkv"} {
		require.NoError(t, store.UpdateFileStatus(p, FileRecordUpdate{
			Status: strPtr(StatusPaused),
		}))
	}

	resumed, err := store.ResumePaused()
	require.NoError(t, err)
	assert.Equal(t, int64(2), resumed)

	stats, err := store.GetStatistics()
	require.NoError(t, err)
	assert.Zero(t, stats.StatusCounts[StatusPaused])
	assert.Equal(t, int64(2), stats.StatusCounts[StatusPending])
}

func TestPrioritize(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/a.mkv", 100)
	require.NoError(t, store.UpdateFileStatus("/media/a.mkv", FileRecordUpdate{
		Status: strPtr(StatusCompleted),
	}))

	require.NoError(t, store.Prioritize("/media/a.mkv", 10))

	record, err := store.GetFileStatus("/media/a.mkv")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, 10, record.Priority)

	assert.Error(t, store.Prioritize("/media/unknown.mkv", 10))
}

func TestUpdateCompressionTimeSeedsEstimates(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/done.mkv", 100*1024*1024)
	addFile(t, store, "/media/waiting.mkv", 200*1024*1024)
	addFile(t, store, "/media/estimated.mkv", 50*1024*1024)
	_, err := store.PromoteScanned()
	require.NoError(t, err)
	require.NoError(t, store.UpdateFileStatus("/media/done.mkv", FileRecordUpdate{
		Status: strPtr(StatusCompleted),
	}))
	require.NoError(t, store.UpdateFileStatus("/media/estimated.mkv", FileRecordUpdate{
		EstimatedTime: f64Ptr(42),
	}))

	// 100 MB took 200 s, so the rate is 2 s/MB.
	require.NoError(t, store.UpdateCompressionTime("/media/done.mkv", 200))

	done, err := store.GetFileStatus("/media/done.mkv")
	require.NoError(t, err)
	assert.Equal(t, 200.0, done.ActualTime)

	waiting, err := store.GetFileStatus("/media/waiting.mkv")
	require.NoError(t, err)
	assert.InDelta(t, 400.0, waiting.EstimatedTime, 0.5)

	estimated, err := store.GetFileStatus("/media/estimated.mkv")
	require.NoError(t, err)
	assert.Equal(t, 42.0, estimated.EstimatedTime, "existing estimates are kept")
}

func TestBulkUpdateTransactional(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/a.mkv", 100)
	addFile(t, store, "/media/b.mkv", 100)

	now := time.Now()
	updates := []BulkFileUpdate{
		{FilePath: "/media/a.mkv", Update: FileRecordUpdate{
			Status:      strPtr(StatusNeedsReprocessing),
			LastChecked: timePtr(now),
		}},
		{FilePath: "/media/b.mkv", Update: FileRecordUpdate{
			LastChecked: timePtr(now),
		}},
	}
	require.NoError(t, store.BulkUpdate(updates))

	a, err := store.GetFileStatus("/media/a.mkv")
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsReprocessing, a.Status)
}

func TestRecordDirectoryScanUpserts(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.RecordDirectoryScan("/media", 10, 1000, 1.5))
	require.NoError(t, store.RecordDirectoryScan("/media", 12, 1200, 2.0))

	var records []DirectoryScanRecord
	require.NoError(t, store.conn().Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, 12, records[0].FileCount)
}

func TestEventLog(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.LogEvent("scan_completed", "scanned /media", SeverityInfo))
	require.NoError(t, store.LogEvent("disk_space_error", "low disk", SeverityError))

	events, err := store.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "disk_space_error", events[0].EventType, "newest first")
}

func TestGetStatistics(t *testing.T) {
	store := openTestStore(t)
	addFile(t, store, "/media/a.mkv", 1000)
	addFile(t, store, "/media/b.mkv", 500)
	require.NoError(t, store.UpdateFileStatus("/media/a.mkv", FileRecordUpdate{
		Status:         strPtr(StatusCompleted),
		CompressedSize: i64Ptr(600),
		ActualTime:     f64Ptr(120),
	}))

	stats, err := store.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalFiles)
	assert.Equal(t, int64(1), stats.StatusCounts[StatusCompleted])
	assert.Equal(t, int64(1000), stats.TotalOriginalSize)
	assert.Equal(t, int64(600), stats.TotalCompressedSize)
	assert.Equal(t, int64(400), stats.SpaceSaved)
	assert.Equal(t, 120.0, stats.AvgProcessingTime)
}

func TestBackupAndRepairRestores(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DatabaseConfig{
		Type:       "sqlite",
		Path:       filepath.Join(dir, "catalog.db"),
		BackupPath: filepath.Join(dir, "catalog_backup.db"),
	}
	store, err := Open(cfg, true, hclog.NewNullLogger())
	require.NoError(t, err)

	addFile(t, store, "/media/a.mkv", 1000)
	require.NoError(t, store.Backup())
	require.NoError(t, store.Close())

	// Corrupt the live store on disk.
	require.NoError(t, os.WriteFile(cfg.Path, []byte("not a database"), 0o644))

	store, err = Open(cfg, true, hclog.NewNullLogger())
	require.NoError(t, err)
	defer store.Close()

	record, err := store.GetFileStatus("/media/a.mkv")
	require.NoError(t, err)
	require.NotNil(t, record, "record survives via backup restore")

	// The corrupt store was moved aside, not destroyed.
	matches, err := filepath.Glob(cfg.Path + ".corrupt.*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	// Restore succeeded, so no rebuild event was logged.
	events, err := store.RecentEvents(10)
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEqual(t, "database_rebuilt", e.EventType)
	}
}

func TestBackupFailureKeepsPreviousBackup(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DatabaseConfig{
		Type:       "sqlite",
		Path:       filepath.Join(dir, "catalog.db"),
		BackupPath: filepath.Join(dir, "catalog_backup.db"),
	}
	store, err := Open(cfg, true, hclog.NewNullLogger())
	require.NoError(t, err)
	defer store.Close()

	addFile(t, store, "/media/a.mkv", 1000)
	require.NoError(t, store.Backup())

	staging := cfg.BackupPath + ".tmp"
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err), "no staging file left behind")

	before, err := os.ReadFile(cfg.BackupPath)
	require.NoError(t, err)

	// Occupy the staging path with a non-empty directory so the next
	// vacuum cannot write it.
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "occupied"), 0o755))
	require.Error(t, store.Backup())

	after, err := os.ReadFile(cfg.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "previous backup untouched")
}

func TestRepairRebuildsWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DatabaseConfig{
		Type:       "sqlite",
		Path:       filepath.Join(dir, "catalog.db"),
		BackupPath: filepath.Join(dir, "missing_backup.db"),
	}

	require.NoError(t, os.WriteFile(cfg.Path, []byte("garbage"), 0o644))

	store, err := Open(cfg, true, hclog.NewNullLogger())
	require.NoError(t, err)
	defer store.Close()

	events, err := store.RecentEvents(10)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.EventType == "database_rebuilt" {
			found = true
		}
	}
	assert.True(t, found, "rebuild must be recorded in the event log")
}

func TestCheckIntegrity(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.CheckIntegrity())
}
