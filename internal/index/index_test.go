package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datamesh-net/core/internal/telemetry"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "index.db"), telemetry.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestStoreAndGetByNameAndKey(t *testing.T) {
	idx := openTest(t)

	rec := FileRecord{
		FileKey:      "deadbeef",
		Name:         "report",
		OriginalSize: 1024,
		ManifestJSON: []byte(`{"file_name":"report.pdf"}`),
		CreatedAt:    time.Unix(1700000000, 0),
		TotalShards:  12,
		Tags:         []string{"finance", "q3"},
	}
	require.NoError(t, idx.StoreFile(rec))

	byName, err := idx.GetByName("report")
	require.NoError(t, err)
	require.Equal(t, rec.FileKey, byName.FileKey)
	require.ElementsMatch(t, rec.Tags, byName.Tags)

	byKey, err := idx.GetByKey("deadbeef")
	require.NoError(t, err)
	require.Equal(t, rec.Name, byKey.Name)
}

func TestStoreDuplicateNameFails(t *testing.T) {
	idx := openTest(t)
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k1", Name: "dup", CreatedAt: time.Now()}))
	err := idx.StoreFile(FileRecord{FileKey: "k2", Name: "dup", CreatedAt: time.Now()})
	require.Error(t, err)
}

func TestStoreDuplicateKeyFails(t *testing.T) {
	idx := openTest(t)
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "samekey", Name: "a", CreatedAt: time.Now()}))
	err := idx.StoreFile(FileRecord{FileKey: "samekey", Name: "b", CreatedAt: time.Now()})
	require.Error(t, err)
}

func TestGenerateUniqueNameCollisionSuffix(t *testing.T) {
	idx := openTest(t)
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k1", Name: "photo", CreatedAt: time.Now()}))

	name, err := idx.GenerateUniqueName("Photo")
	require.NoError(t, err)
	require.Equal(t, "photo-2", name)

	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k2", Name: name, CreatedAt: time.Now()}))
	name2, err := idx.GenerateUniqueName("photo")
	require.NoError(t, err)
	require.Equal(t, "photo-3", name2)
}

func TestListFiltersByTag(t *testing.T) {
	idx := openTest(t)
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k1", Name: "a", CreatedAt: time.Now(), Tags: []string{"x"}}))
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k2", Name: "b", CreatedAt: time.Now(), Tags: []string{"y"}}))

	got, err := idx.List("x")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].Name)

	all, err := idx.List("")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestSearchMatchesNameAndOriginalFilenameCaseInsensitively(t *testing.T) {
	idx := openTest(t)
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k1", Name: "quarterly-report", OriginalFilename: "Q3 Report.pdf", CreatedAt: time.Now()}))
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k2", Name: "photo", OriginalFilename: "beach.jpg", CreatedAt: time.Now()}))

	byName, err := idx.Search("QUARTERLY")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	require.Equal(t, "k1", byName[0].FileKey)

	byFilename, err := idx.Search("report")
	require.NoError(t, err)
	require.Len(t, byFilename, 1)
	require.Equal(t, "k1", byFilename[0].FileKey)

	none, err := idx.Search("nonexistent")
	require.NoError(t, err)
	require.Len(t, none, 0)
}

func TestDeleteRemovesRecord(t *testing.T) {
	idx := openTest(t)
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k1", Name: "a", CreatedAt: time.Now()}))
	require.NoError(t, idx.Delete("k1"))

	_, err := idx.GetByKey("k1")
	require.Error(t, err)

	err = idx.Delete("k1")
	require.Error(t, err)
}

func TestUpdateHealthAndStats(t *testing.T) {
	idx := openTest(t)
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k1", Name: "a", OriginalSize: 500, CreatedAt: time.Now(), TotalShards: 12}))

	require.NoError(t, idx.UpdateHealth("k1", 10, 12, time.Now()))
	rec, err := idx.GetByKey("k1")
	require.NoError(t, err)
	require.Equal(t, 10, rec.HealthyShards)

	stats, err := idx.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, int64(500), stats.Bytes)
	require.Greater(t, stats.DatabaseSize, int64(0))
}

func TestListOrdersByCreatedDesc(t *testing.T) {
	idx := openTest(t)
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k1", Name: "old", CreatedAt: time.Unix(1, 0)}))
	require.NoError(t, idx.StoreFile(FileRecord{FileKey: "k2", Name: "new", CreatedAt: time.Unix(2, 0)}))

	list, err := idx.List("")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "new", list[0].Name)
}
