package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore backs both DocumentStore and EmbeddingStore with a single
// SQLite database file. WAL mode is enabled so reads do not block the
// single writer. A flock file lock guards the data directory against a
// second process opening the same index.
type SQLiteStore struct {
	db   *sql.DB
	lock *flock.Flock
	path string
	dims int
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	content       TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	size          INTEGER NOT NULL,
	status        TEXT NOT NULL,
	indexed       INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	revision      INTEGER NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS embeddings (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	text        TEXT NOT NULL,
	vector      BLOB NOT NULL,
	start_pos   INTEGER NOT NULL,
	end_pos     INTEGER NOT NULL,
	token_count INTEGER NOT NULL,
	model       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE(document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_embeddings_document ON embeddings(document_id);
`

// OpenSQLiteStore opens (creating if needed) the SQLite store in dir.
// dims > 0 enables vector dimension validation on SaveBatch.
func OpenSQLiteStore(dir string, dims int) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "ragd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data dir %s is locked by another ragd process", dir)
	}

	path := filepath.Join(dir, "ragd.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, lock: lock, path: path, dims: dims}, nil
}

// Close closes the database and releases the directory lock.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

// Documents returns the DocumentStore view.
func (s *SQLiteStore) Documents() DocumentStore { return &sqliteDocuments{s} }

// Embeddings returns the EmbeddingStore view.
func (s *SQLiteStore) Embeddings() EmbeddingStore { return &sqliteEmbeddings{s} }

// encodeVector packs float32s as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks little-endian bytes to float32s.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type sqliteDocuments struct{ s *SQLiteStore }

var _ DocumentStore = (*sqliteDocuments)(nil)

const docColumns = `id, title, content, content_type, size, status, indexed, error,
	metadata, revision, attempts, next_retry_at, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var (
		doc         Document
		indexed     int
		metaJSON    string
		nextRetryMs int64
		createdMs   int64
		updatedMs   int64
		status      string
	)
	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.ContentType, &doc.Size,
		&status, &indexed, &doc.Error, &metaJSON, &doc.Revision, &doc.Attempts,
		&nextRetryMs, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	doc.Status = Status(status)
	doc.Indexed = indexed != 0
	doc.NextRetryAt = fromMillis(nextRetryMs)
	doc.CreatedAt = fromMillis(createdMs)
	doc.UpdatedAt = fromMillis(updatedMs)
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode document metadata: %w", err)
		}
	}
	return &doc, nil
}

func (d *sqliteDocuments) Create(ctx context.Context, doc *Document) error {
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	metaJSON := "{}"
	if len(doc.Metadata) > 0 {
		b, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("encode document metadata: %w", err)
		}
		metaJSON = string(b)
	}

	_, err := d.s.db.ExecContext(ctx, `INSERT INTO documents
		(id, title, content, content_type, size, status, indexed, error, metadata,
		 revision, attempts, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.ContentType, doc.Size, string(doc.Status),
		boolToInt(doc.Indexed), doc.Error, metaJSON, doc.Revision, doc.Attempts,
		toMillis(doc.NextRetryAt), toMillis(doc.CreatedAt), toMillis(doc.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (d *sqliteDocuments) Get(ctx context.Context, id string) (*Document, error) {
	row := d.s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (d *sqliteDocuments) Update(ctx context.Context, doc *Document) error {
	doc.UpdatedAt = time.Now()

	metaJSON := "{}"
	if len(doc.Metadata) > 0 {
		b, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("encode document metadata: %w", err)
		}
		metaJSON = string(b)
	}

	res, err := d.s.db.ExecContext(ctx, `UPDATE documents SET
		title = ?, content = ?, content_type = ?, size = ?, status = ?, indexed = ?,
		error = ?, metadata = ?, revision = ?, attempts = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ?`,
		doc.Title, doc.Content, doc.ContentType, doc.Size, string(doc.Status),
		boolToInt(doc.Indexed), doc.Error, metaJSON, doc.Revision, doc.Attempts,
		toMillis(doc.NextRetryAt), toMillis(doc.UpdatedAt), doc.ID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *sqliteDocuments) UpdateStatusIf(ctx context.Context, id string, expect Status, expectRevision int, upd StatusUpdate) error {
	res, err := d.s.db.ExecContext(ctx, `UPDATE documents SET
		status = ?, indexed = ?, error = ?, attempts = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND revision = ?`,
		string(upd.Status), boolToInt(upd.Indexed), upd.Error, upd.Attempts,
		toMillis(upd.NextRetryAt), toMillis(time.Now()),
		id, string(expect), expectRevision)
	if err != nil {
		return fmt.Errorf("conditional status update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish missing from stale for the caller.
		var exists int
		if err := d.s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("conditional status update: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

func (d *sqliteDocuments) Delete(ctx context.Context, id string) error {
	res, err := d.s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *sqliteDocuments) List(ctx context.Context) ([]*Document, error) {
	rows, err := d.s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

func (d *sqliteDocuments) QueryByStatus(ctx context.Context, q StatusQuery) ([]*Document, error) {
	var (
		where []string
		args  []any
	)
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.Now.IsZero() {
		where = append(where, "next_retry_at <= ?")
		args = append(args, toMillis(q.Now))
	}
	if q.MaxAttempts > 0 {
		where = append(where, "attempts < ?")
		args = append(args, q.MaxAttempts)
	}

	query := `SELECT ` + docColumns + ` FROM documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := d.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents by status: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

func (d *sqliteDocuments) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func collectDocuments(rows *sql.Rows) ([]*Document, error) {
	var out []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type sqliteEmbeddings struct{ s *SQLiteStore }

var _ EmbeddingStore = (*sqliteEmbeddings)(nil)

const embColumns = `id, document_id, chunk_index, text, vector, start_pos, end_pos,
	token_count, model, created_at`

func scanEmbedding(row interface{ Scan(...any) error }) (*Embedding, error) {
	var (
		e         Embedding
		blob      []byte
		createdMs int64
	)
	err := row.Scan(&e.ID, &e.DocumentID, &e.ChunkIndex, &e.Text, &blob,
		&e.Meta.StartPos, &e.Meta.EndPos, &e.Meta.TokenCount, &e.Model, &createdMs)
	if err != nil {
		return nil, err
	}
	e.Vector = decodeVector(blob)
	e.CreatedAt = fromMillis(createdMs)
	return &e, nil
}

func (m *sqliteEmbeddings) SaveBatch(ctx context.Context, embs []*Embedding) error {
	if len(embs) == 0 {
		return nil
	}
	for _, e := range embs {
		if m.s.dims > 0 && len(e.Vector) != m.s.dims {
			return ErrDimensionMismatch{Expected: m.s.dims, Got: len(e.Vector)}
		}
	}

	tx, err := m.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin embedding batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO embeddings
		(id, document_id, chunk_index, text, vector, start_pos, end_pos, token_count, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, text = excluded.text`)
	if err != nil {
		return fmt.Errorf("prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range embs {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		_, err := stmt.ExecContext(ctx, e.ID, e.DocumentID, e.ChunkIndex, e.Text,
			encodeVector(e.Vector), e.Meta.StartPos, e.Meta.EndPos, e.Meta.TokenCount,
			e.Model, toMillis(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert embedding %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func (m *sqliteEmbeddings) ByDocument(ctx context.Context, docID string) ([]*Embedding, error) {
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT `+embColumns+` FROM embeddings WHERE document_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("embeddings by document: %w", err)
	}
	defer rows.Close()
	return collectEmbeddings(rows)
}

func (m *sqliteEmbeddings) ByIDs(ctx context.Context, ids []string) ([]*Embedding, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT `+embColumns+` FROM embeddings WHERE id IN (`+strings.Join(marks, ", ")+`) ORDER BY rowid`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("embeddings by ids: %w", err)
	}
	defer rows.Close()
	return collectEmbeddings(rows)
}

func (m *sqliteEmbeddings) All(ctx context.Context) ([]*Embedding, error) {
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT `+embColumns+` FROM embeddings ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("all embeddings: %w", err)
	}
	defer rows.Close()
	return collectEmbeddings(rows)
}

func (m *sqliteEmbeddings) DeleteByDocument(ctx context.Context, docID string) error {
	if _, err := m.s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("delete embeddings by document: %w", err)
	}
	return nil
}

func (m *sqliteEmbeddings) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

func collectEmbeddings(rows *sql.Rows) ([]*Embedding, error) {
	var out []*Embedding
	for rows.Next() {
		e, err := scanEmbedding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
