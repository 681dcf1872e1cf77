// Package index implements the Metadata Index: a local, single-writer
// sqlite catalog of stored files and their tags, binding user-chosen
// display names and content-addressed file keys to manifests.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datamesh-net/core/internal/errs"
	"github.com/datamesh-net/core/internal/telemetry"
)

// FileRecord is one row of the files table: everything the index knows
// about a stored file, independent of the manifest blob itself (the
// manifest is stored verbatim in ManifestJSON for the File Pipeline to
// reparse).
type FileRecord struct {
	FileKey          string
	Name             string
	OriginalFilename string
	OriginalSize     int64
	ManifestJSON     []byte
	CreatedAt        time.Time
	HealthyShards    int
	TotalShards      int
	LastChecked      time.Time
	Tags             []string
}

// Index wraps a sqlite database under a single-writer mutex: modernc.org/
// sqlite is pure Go (no cgo) but does not tolerate concurrent writers
// against one file without WAL tuning the engine doesn't attempt, so every
// mutating call serializes here.
type Index struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	tel  *telemetry.Telemetry
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(path string, tel *telemetry.Telemetry) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New("index.Open", errs.CategoryIndex, err)
	}
	idx := &Index{db: db, path: path, tel: tel}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		file_key TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		original_filename TEXT NOT NULL DEFAULT '',
		original_size INTEGER NOT NULL,
		manifest_json BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		healthy_shards INTEGER NOT NULL DEFAULT 0,
		total_shards INTEGER NOT NULL DEFAULT 0,
		last_checked INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS file_tags (
		file_key TEXT NOT NULL REFERENCES files(file_key) ON DELETE CASCADE,
		tag TEXT NOT NULL,
		PRIMARY KEY (file_key, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_file_tags_tag ON file_tags(tag);
	`
	_, err := idx.db.Exec(schema)
	if err != nil {
		return errs.New("index.initSchema", errs.CategoryIndex, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// StoreFile inserts a new file record and its tags. The caller is expected
// to have already resolved rec.Name via GenerateUniqueName so this never
// collides; StoreFile still surfaces ErrDuplicateName/ErrDuplicateKey if it
// does.
func (idx *Index) StoreFile(rec FileRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin()
	if err != nil {
		return errs.New("index.StoreFile", errs.CategoryIndex, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO files (file_key, name, original_filename, original_size, manifest_json, created_at, healthy_shards, total_shards, last_checked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FileKey, rec.Name, rec.OriginalFilename, rec.OriginalSize, rec.ManifestJSON, rec.CreatedAt.Unix(), rec.HealthyShards, rec.TotalShards, rec.LastChecked.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err, "files.file_key") {
			return errs.New("index.StoreFile", errs.CategoryIndex, errs.ErrDuplicateKey)
		}
		if isUniqueViolation(err, "files.name") {
			return errs.New("index.StoreFile", errs.CategoryIndex, errs.ErrDuplicateName)
		}
		return errs.New("index.StoreFile", errs.CategoryIndex, err)
	}

	for _, tag := range rec.Tags {
		if _, err := tx.Exec(`INSERT INTO file_tags (file_key, tag) VALUES (?, ?)`, rec.FileKey, tag); err != nil {
			return errs.New("index.StoreFile", errs.CategoryIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.New("index.StoreFile", errs.CategoryIndex, err)
	}

	idx.refreshMetrics()
	return nil
}

// GetByName looks up a file by its unique display name.
func (idx *Index) GetByName(name string) (FileRecord, error) {
	return idx.getBy("name = ?", name)
}

// GetByKey looks up a file by its content-addressed file_key.
func (idx *Index) GetByKey(fileKey string) (FileRecord, error) {
	return idx.getBy("file_key = ?", fileKey)
}

func (idx *Index) getBy(where, arg string) (FileRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	row := idx.db.QueryRow(`SELECT file_key, name, original_filename, original_size, manifest_json, created_at, healthy_shards, total_shards, last_checked
		FROM files WHERE `+where, arg)

	var rec FileRecord
	var created, checked int64
	if err := row.Scan(&rec.FileKey, &rec.Name, &rec.OriginalFilename, &rec.OriginalSize, &rec.ManifestJSON, &created, &rec.HealthyShards, &rec.TotalShards, &checked); err != nil {
		if err == sql.ErrNoRows {
			return FileRecord{}, errs.New("index.getBy", errs.CategoryIndex, errs.ErrIndexNotFound)
		}
		return FileRecord{}, errs.New("index.getBy", errs.CategoryIndex, err)
	}
	rec.CreatedAt = time.Unix(created, 0)
	rec.LastChecked = time.Unix(checked, 0)

	tags, err := idx.tagsFor(rec.FileKey)
	if err != nil {
		return FileRecord{}, err
	}
	rec.Tags = tags
	return rec, nil
}

func (idx *Index) tagsFor(fileKey string) ([]string, error) {
	rows, err := idx.db.Query(`SELECT tag FROM file_tags WHERE file_key = ? ORDER BY tag`, fileKey)
	if err != nil {
		return nil, errs.New("index.tagsFor", errs.CategoryIndex, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errs.New("index.tagsFor", errs.CategoryIndex, err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// List returns every file record, ordered by CreatedAt descending,
// optionally restricted to files carrying tag (empty tag means no filter).
func (idx *Index) List(tag string) ([]FileRecord, error) {
	idx.mu.Lock()
	var rows *sql.Rows
	var err error
	if tag == "" {
		rows, err = idx.db.Query(`SELECT file_key, name, original_filename, original_size, manifest_json, created_at, healthy_shards, total_shards, last_checked
			FROM files ORDER BY created_at DESC`)
	} else {
		rows, err = idx.db.Query(`SELECT f.file_key, f.name, f.original_filename, f.original_size, f.manifest_json, f.created_at, f.healthy_shards, f.total_shards, f.last_checked
			FROM files f JOIN file_tags t ON t.file_key = f.file_key WHERE t.tag = ? ORDER BY f.created_at DESC`, tag)
	}
	idx.mu.Unlock()
	if err != nil {
		return nil, errs.New("index.List", errs.CategoryIndex, err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		var created, checked int64
		if err := rows.Scan(&rec.FileKey, &rec.Name, &rec.OriginalFilename, &rec.OriginalSize, &rec.ManifestJSON, &created, &rec.HealthyShards, &rec.TotalShards, &checked); err != nil {
			return nil, errs.New("index.List", errs.CategoryIndex, err)
		}
		rec.CreatedAt = time.Unix(created, 0)
		rec.LastChecked = time.Unix(checked, 0)
		tags, err := idx.tagsFor(rec.FileKey)
		if err != nil {
			return nil, err
		}
		rec.Tags = tags
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Search returns every file record whose name or original_filename contains
// substring, case-insensitively.
func (idx *Index) Search(substring string) ([]FileRecord, error) {
	needle := "%" + strings.ToLower(substring) + "%"

	idx.mu.Lock()
	rows, err := idx.db.Query(
		`SELECT file_key, name, original_filename, original_size, manifest_json, created_at, healthy_shards, total_shards, last_checked
		 FROM files
		 WHERE LOWER(name) LIKE ? OR LOWER(original_filename) LIKE ?
		 ORDER BY created_at DESC`, needle, needle)
	idx.mu.Unlock()
	if err != nil {
		return nil, errs.New("index.Search", errs.CategoryIndex, err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		var created, checked int64
		if err := rows.Scan(&rec.FileKey, &rec.Name, &rec.OriginalFilename, &rec.OriginalSize, &rec.ManifestJSON, &created, &rec.HealthyShards, &rec.TotalShards, &checked); err != nil {
			return nil, errs.New("index.Search", errs.CategoryIndex, err)
		}
		rec.CreatedAt = time.Unix(created, 0)
		rec.LastChecked = time.Unix(checked, 0)
		tags, err := idx.tagsFor(rec.FileKey)
		if err != nil {
			return nil, err
		}
		rec.Tags = tags
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a file record and its tags by file_key.
func (idx *Index) Delete(fileKey string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	result, err := idx.db.Exec(`DELETE FROM files WHERE file_key = ?`, fileKey)
	if err != nil {
		return errs.New("index.Delete", errs.CategoryIndex, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.New("index.Delete", errs.CategoryIndex, errs.ErrIndexNotFound)
	}
	// sqlite leaves foreign keys off by default, so the schema's ON DELETE
	// CASCADE does not fire; remove the tags explicitly.
	if _, err := idx.db.Exec(`DELETE FROM file_tags WHERE file_key = ?`, fileKey); err != nil {
		return errs.New("index.Delete", errs.CategoryIndex, err)
	}
	idx.refreshMetrics()
	return nil
}

// UpdateHealth records the most recent probe outcome for a file, used by
// the Health/Repair component after each check.
func (idx *Index) UpdateHealth(fileKey string, healthyShards, totalShards int, checkedAt time.Time) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	result, err := idx.db.Exec(
		`UPDATE files SET healthy_shards = ?, total_shards = ?, last_checked = ? WHERE file_key = ?`,
		healthyShards, totalShards, checkedAt.Unix(), fileKey,
	)
	if err != nil {
		return errs.New("index.UpdateHealth", errs.CategoryIndex, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errs.New("index.UpdateHealth", errs.CategoryIndex, errs.ErrIndexNotFound)
	}
	return nil
}

// Stats reports the aggregate size of the index, for telemetry and the
// composition root's status output. DatabaseSize is the sqlite file's
// current on-disk size.
type Stats struct {
	Files        int
	Bytes        int64
	DatabaseSize int64
}

func (idx *Index) Stats() (Stats, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var s Stats
	row := idx.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(original_size), 0) FROM files`)
	if err := row.Scan(&s.Files, &s.Bytes); err != nil {
		return Stats{}, errs.New("index.Stats", errs.CategoryIndex, err)
	}
	if fi, err := os.Stat(idx.path); err == nil {
		s.DatabaseSize = fi.Size()
	}
	return s, nil
}

func (idx *Index) refreshMetrics() {
	var s Stats
	row := idx.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(original_size), 0) FROM files`)
	if err := row.Scan(&s.Files, &s.Bytes); err == nil {
		idx.tel.SetIndexSize(s.Files, s.Bytes)
	}
}

// GenerateUniqueName deterministically slugifies base and, on collision
// with an existing name, appends the lowest free numeric suffix —
// "report", "report-2", "report-3", ... — walking forward from 2 until a
// free name is found. The suffix is a counter over the names already in
// this index, not derived from the file's content, so the result is
// deterministic only for a given base and index state.
func (idx *Index) GenerateUniqueName(base string) (string, error) {
	slug := slugify(base)
	if slug == "" {
		slug = "file"
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	exists := func(name string) (bool, error) {
		var n int
		row := idx.db.QueryRow(`SELECT COUNT(*) FROM files WHERE name = ?`, name)
		if err := row.Scan(&n); err != nil {
			return false, errs.New("index.GenerateUniqueName", errs.CategoryIndex, err)
		}
		return n > 0, nil
	}

	taken, err := exists(slug)
	if err != nil {
		return "", err
	}
	if !taken {
		return slug, nil
	}
	for suffix := 2; suffix < 1_000_000; suffix++ {
		candidate := fmt.Sprintf("%s-%d", slug, suffix)
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", errs.New("index.GenerateUniqueName", errs.CategoryIndex, errs.ErrDuplicateName)
}

func slugify(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	lastDash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == '.' || r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") && strings.Contains(msg, strings.ToLower(column))
}
