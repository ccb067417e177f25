package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	_ "modernc.org/sqlite"

	kberrors "github.com/kbe-project/kbe/internal/errors"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rel_path TEXT NOT NULL UNIQUE,
	diary_name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	mtime_ms INTEGER NOT NULL,
	size INTEGER NOT NULL,
	updated_at_s INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_diary_name ON files(diary_name);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	content TEXT NOT NULL,
	vector BLOB
);
CREATE INDEX IF NOT EXISTS idx_chunks_file_id ON chunks(file_id);

CREATE TABLE IF NOT EXISTS tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	vector BLOB
);

CREATE TABLE IF NOT EXISTS file_tags (
	file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (file_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_file_tags_tag_id ON file_tags(tag_id);
CREATE INDEX IF NOT EXISTS idx_file_tags_tag_file ON file_tags(tag_id, file_id);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	vector BLOB NOT NULL
);
`

// sqliteStore is the Store implementation. It holds a single connection
// (SetMaxOpenConns(1)) so every statement, including the WAL-mode writer,
// runs through one goroutine-safe *sql.DB handle with its own mutex for
// multi-statement transactions.
type sqliteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	dim int
}

// validateVectorDim enforces dimension discipline at the Store's own write
// paths: a nil vector (not yet embedded) always passes, but a non-nil
// vector of the wrong length fails closed rather than being persisted.
func (s *sqliteStore) validateVectorDim(vec []float32) error {
	if vec == nil {
		return nil
	}
	if len(vec) != s.dim {
		return kberrors.New(kberrors.CodeQueryDimMismatch,
			fmt.Sprintf("vector has dimension %d, store expects %d", len(vec), s.dim), nil)
	}
	return nil
}

// Open opens (creating if absent) a SQLite database at path in WAL mode
// with normal synchronous durability, and ensures the schema exists. dim
// is the configured embedding dimension every written vector must match.
func Open(path string, dim int) (Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.CodeStorageSchema, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-65536",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, kberrors.Wrap(kberrors.CodeStorageSchema, err)
		}
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, kberrors.Wrap(kberrors.CodeStorageSchema, err)
	}

	return &sqliteStore{db: db, dim: dim}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, retrying once on SQLITE_BUSY per the
// Storage error kind's retry policy.
func (s *sqliteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return kberrors.Wrap(kberrors.CodeStorageBusy, err)
			}
			if err := fn(tx); err != nil {
				_ = tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return kberrors.Wrap(kberrors.CodeStorageBusy, err)
			}
			return nil
		}()
		if kberrors.GetCode(err) != kberrors.CodeStorageBusy {
			return err
		}
	}
	return err
}

func encodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := new(bytes.Buffer)
	buf.Grow(len(vec) * 4)
	for _, f := range vec {
		_ = binary.Write(buf, binary.LittleEndian, math.Float32bits(f))
	}
	return buf.Bytes()
}

func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	n := len(blob) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(blob[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func (s *sqliteStore) UpsertFile(ctx context.Context, relPath, diaryName, checksum string, mtimeMS int64, size uint64) (uint64, error) {
	var id uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM files WHERE rel_path = ?`, relPath)
		scanErr := row.Scan(&id)
		switch {
		case scanErr == sql.ErrNoRows:
			res, err := tx.ExecContext(ctx,
				`INSERT INTO files (rel_path, diary_name, checksum, mtime_ms, size, updated_at_s) VALUES (?, ?, ?, ?, ?, strftime('%s','now'))`,
				relPath, diaryName, checksum, mtimeMS, size)
			if err != nil {
				return kberrors.StorageError("insert file", err)
			}
			newID, err := res.LastInsertId()
			if err != nil {
				return kberrors.StorageError("last insert id", err)
			}
			id = uint64(newID)
			return nil
		case scanErr != nil:
			return kberrors.Wrap(kberrors.CodeStorageBusy, scanErr)
		default:
			_, err := tx.ExecContext(ctx,
				`UPDATE files SET diary_name = ?, checksum = ?, mtime_ms = ?, size = ?, updated_at_s = strftime('%s','now') WHERE id = ?`,
				diaryName, checksum, mtimeMS, size, id)
			if err != nil {
				return kberrors.StorageError("update file", err)
			}
			return nil
		}
	})
	return id, err
}

func (s *sqliteStore) ReplaceChunks(ctx context.Context, fileID uint64, writes []ChunkWrite) ([]uint64, error) {
	ids := make([]uint64, len(writes))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
			return kberrors.StorageError("delete chunks", err)
		}
		for _, w := range writes {
			if err := s.validateVectorDim(w.Vector); err != nil {
				return err
			}
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (file_id, chunk_index, content, vector) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return kberrors.StorageError("prepare insert chunk", err)
		}
		defer stmt.Close()

		for i, w := range writes {
			res, err := stmt.ExecContext(ctx, fileID, w.Index, w.Text, encodeVector(w.Vector))
			if err != nil {
				return kberrors.StorageError("insert chunk", err)
			}
			newID, err := res.LastInsertId()
			if err != nil {
				return kberrors.StorageError("last insert id", err)
			}
			ids[i] = uint64(newID)
		}
		return nil
	})
	return ids, err
}

func (s *sqliteStore) ReplaceFileTags(ctx context.Context, fileID uint64, tagIDs []uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ?`, fileID); err != nil {
			return kberrors.StorageError("delete file_tags", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO file_tags (file_id, tag_id) VALUES (?, ?)`)
		if err != nil {
			return kberrors.StorageError("prepare insert file_tag", err)
		}
		defer stmt.Close()
		for _, tagID := range tagIDs {
			if _, err := stmt.ExecContext(ctx, fileID, tagID); err != nil {
				return kberrors.StorageError("insert file_tag", err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) GetOrCreateTag(ctx context.Context, name string, vecIfNew []float32) (uint64, bool, error) {
	if err := s.validateVectorDim(vecIfNew); err != nil {
		return 0, false, err
	}
	var id uint64
	wasNew := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name)
		scanErr := row.Scan(&id)
		if scanErr == nil {
			return nil
		}
		if scanErr != sql.ErrNoRows {
			return kberrors.Wrap(kberrors.CodeStorageBusy, scanErr)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO tags (name, vector) VALUES (?, ?)`, name, encodeVector(vecIfNew))
		if err != nil {
			return kberrors.StorageError("insert tag", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return kberrors.StorageError("last insert id", err)
		}
		id = uint64(newID)
		wasNew = true
		return nil
	})
	return id, wasNew, err
}

func (s *sqliteStore) SetTagVector(ctx context.Context, tagID uint64, vec []float32) error {
	if err := s.validateVectorDim(vec); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE tags SET vector = ? WHERE id = ?`, encodeVector(vec), tagID)
		if err != nil {
			return kberrors.StorageError("update tag vector", err)
		}
		return nil
	})
}

func (s *sqliteStore) HydrateChunks(ctx context.Context, chunkIDs []uint64) ([]HydratedChunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT c.id, c.content, f.rel_path, f.diary_name, f.updated_at_s
		FROM chunks c JOIN files f ON f.id = c.file_id
		WHERE c.id IN (%s)`, joinPlaceholders(placeholders))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kberrors.StorageError("hydrate chunks", err)
	}
	defer rows.Close()

	var out []HydratedChunk
	for rows.Next() {
		var hc HydratedChunk
		if err := rows.Scan(&hc.ChunkID, &hc.Text, &hc.SourcePath, &hc.DiaryName, &hc.UpdatedAtS); err != nil {
			return nil, kberrors.StorageError("scan hydrated chunk", err)
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}

func (s *sqliteStore) KVPut(ctx context.Context, key string, vec []float32) error {
	if err := s.validateVectorDim(vec); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, vector) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET vector = excluded.vector`,
			key, encodeVector(vec))
		if err != nil {
			return kberrors.StorageError("kv put", err)
		}
		return nil
	})
}

func (s *sqliteStore) KVGet(ctx context.Context, key string) ([]float32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT vector FROM kv WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kberrors.StorageError("kv get", err)
	}
	return decodeVector(blob), true, nil
}

func (s *sqliteStore) ListDiaries(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT diary_name FROM files`)
	if err != nil {
		return nil, kberrors.StorageError("list diaries", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, kberrors.StorageError("scan diary", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *sqliteStore) IterChunks(ctx context.Context, diaryFilter string, fn func(ChunkRecord) error) error {
	s.mu.Lock()
	query := `SELECT c.id, c.vector, c.file_id, f.diary_name FROM chunks c JOIN files f ON f.id = c.file_id WHERE c.vector IS NOT NULL`
	args := []any{}
	if diaryFilter != "" {
		query += ` AND f.diary_name = ?`
		args = append(args, diaryFilter)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.mu.Unlock()
	if err != nil {
		return kberrors.StorageError("iter chunks", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec ChunkRecord
		var blob []byte
		if err := rows.Scan(&rec.ID, &blob, &rec.FileID, &rec.DiaryName); err != nil {
			return kberrors.StorageError("scan chunk record", err)
		}
		rec.Vector = decodeVector(blob)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqliteStore) IterTags(ctx context.Context, fn func(TagRecord) error) error {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.vector, COUNT(ft.tag_id)
		FROM tags t LEFT JOIN file_tags ft ON ft.tag_id = t.id
		WHERE t.vector IS NOT NULL
		GROUP BY t.id`)
	s.mu.Unlock()
	if err != nil {
		return kberrors.StorageError("iter tags", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec TagRecord
		var blob []byte
		if err := rows.Scan(&rec.ID, &rec.Name, &blob, &rec.GlobalFreq); err != nil {
			return kberrors.StorageError("scan tag record", err)
		}
		rec.Vector = decodeVector(blob)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqliteStore) GetFileByRelPath(ctx context.Context, relPath string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f File
	err := s.db.QueryRowContext(ctx,
		`SELECT id, rel_path, diary_name, checksum, mtime_ms, size, updated_at_s FROM files WHERE rel_path = ?`,
		relPath).Scan(&f.ID, &f.RelPath, &f.DiaryName, &f.Checksum, &f.MTimeMS, &f.Size, &f.UpdatedAtS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kberrors.StorageError("get file by rel_path", err)
	}
	return &f, nil
}

func (s *sqliteStore) GetFileChunkIDs(ctx context.Context, fileID uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, kberrors.StorageError("get file chunk ids", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, kberrors.StorageError("scan chunk id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) DeleteFile(ctx context.Context, fileID uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
		if err != nil {
			return kberrors.StorageError("delete file", err)
		}
		return nil
	})
}

func (s *sqliteStore) TagGraphEdges(ctx context.Context) (map[uint64]map[uint64]int, error) {
	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.tag_id, b.tag_id, COUNT(*) AS weight
		FROM file_tags a JOIN file_tags b ON a.file_id = b.file_id AND a.tag_id < b.tag_id
		GROUP BY a.tag_id, b.tag_id`)
	s.mu.Unlock()
	if err != nil {
		return nil, kberrors.StorageError("rebuild tag graph", err)
	}
	defer rows.Close()

	edges := make(map[uint64]map[uint64]int)
	for rows.Next() {
		var a, b uint64
		var w int
		if err := rows.Scan(&a, &b, &w); err != nil {
			return nil, kberrors.StorageError("scan tag graph edge", err)
		}
		if edges[a] == nil {
			edges[a] = make(map[uint64]int)
		}
		if edges[b] == nil {
			edges[b] = make(map[uint64]int)
		}
		edges[a][b] = w
		edges[b][a] = w
	}
	return edges, rows.Err()
}

func (s *sqliteStore) TagByID(ctx context.Context, id uint64) (*Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t Tag
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT id, name, vector FROM tags WHERE id = ?`, id).Scan(&t.ID, &t.Name, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kberrors.StorageError("get tag by id", err)
	}
	t.Vector = decodeVector(blob)
	return &t, nil
}

func (s *sqliteStore) TagByName(ctx context.Context, name string) (*Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t Tag
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT id, name, vector FROM tags WHERE name = ?`, name).Scan(&t.ID, &t.Name, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kberrors.StorageError("get tag by name", err)
	}
	t.Vector = decodeVector(blob)
	return &t, nil
}

func (s *sqliteStore) TagGlobalFreq(ctx context.Context, id uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_tags WHERE tag_id = ?`, id).Scan(&count)
	if err != nil {
		return 0, kberrors.StorageError("tag global freq", err)
	}
	return count, nil
}
