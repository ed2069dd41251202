package rag

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the durable metadata store: the mapping from document and
// chunk identifiers to their descriptive fields, raw text, and stored
// embeddings. Backed by SQLite in WAL mode.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the metadata database and initializes the
// schema.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	// WAL mode allows concurrent readers alongside the single writer.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time; keep the pool small.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id      TEXT PRIMARY KEY,
		filename    TEXT NOT NULL,
		title       TEXT NOT NULL,
		uploaded_at INTEGER NOT NULL,
		size_bytes  INTEGER NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		fail_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id  TEXT PRIMARY KEY,
		doc_id    TEXT NOT NULL,
		position  INTEGER NOT NULL,
		page      INTEGER NOT NULL DEFAULT 0,
		text      TEXT NOT NULL,
		dim       INTEGER NOT NULL,
		vector    BLOB NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES documents(doc_id) ON DELETE CASCADE
	);

	-- Bookkeeping for the persisted vector index generation, verified
	-- against the chunk set on startup.
	CREATE TABLE IF NOT EXISTS index_meta (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		generation  INTEGER NOT NULL,
		chunk_count INTEGER NOT NULL,
		checksum    TEXT NOT NULL,
		built_at    INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// NewDocumentID mints a document identifier. Identifiers are never reused.
func NewDocumentID() string { return uuid.NewString() }

// NewChunkID mints a chunk identifier. Identifiers are never reused, so a
// deleted chunk's id can never alias a live one.
func NewChunkID() string { return uuid.NewString() }

// CreateDocument persists a new document record in pending state.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = NewDocumentID()
	}
	if doc.UploadedAt == 0 {
		doc.UploadedAt = time.Now().Unix()
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}

	query := `
		INSERT INTO documents (doc_id, filename, title, uploaded_at, size_bytes, status, fail_reason)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
	`
	_, err := s.db.ExecContext(ctx, query, doc.ID, doc.Filename, doc.Title, doc.UploadedAt, doc.SizeBytes, string(doc.Status))
	if err != nil {
		if isConstraintErr(err) {
			return integrityf("document id %s already exists", doc.ID)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by id.
func (s *Store) GetDocument(ctx context.Context, docID string) (*Document, error) {
	query := `SELECT doc_id, filename, title, uploaded_at, size_bytes, status, fail_reason FROM documents WHERE doc_id = ?`

	var d Document
	var status string
	var failReason sql.NullString
	err := s.db.QueryRowContext(ctx, query, docID).Scan(&d.ID, &d.Filename, &d.Title, &d.UploadedAt, &d.SizeBytes, &status, &failReason)
	if err == sql.ErrNoRows {
		return nil, notFoundf("document %s", docID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	d.Status = DocumentStatus(status)
	if failReason.Valid {
		d.FailReason = failReason.String
	}
	return &d, nil
}

// ListDocuments returns all documents ordered by upload time, oldest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	query := `SELECT doc_id, filename, title, uploaded_at, size_bytes, status, fail_reason FROM documents ORDER BY uploaded_at, doc_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var status string
		var failReason sql.NullString
		if err := rows.Scan(&d.ID, &d.Filename, &d.Title, &d.UploadedAt, &d.SizeBytes, &status, &failReason); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.Status = DocumentStatus(status)
		if failReason.Valid {
			d.FailReason = failReason.String
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// MarkProcessed marks a document as fully ingested.
func (s *Store) MarkProcessed(ctx context.Context, docID string) error {
	return s.setStatus(ctx, docID, StatusProcessed, "")
}

// MarkFailed marks a document as failed with a reason.
func (s *Store) MarkFailed(ctx context.Context, docID, reason string) error {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	return s.setStatus(ctx, docID, StatusFailed, reason)
}

func (s *Store) setStatus(ctx context.Context, docID string, status DocumentStatus, reason string) error {
	query := `UPDATE documents SET status = ?, fail_reason = ? WHERE doc_id = ?`
	res, err := s.db.ExecContext(ctx, query, string(status), sql.NullString{String: reason, Valid: reason != ""}, docID)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundf("document %s", docID)
	}
	return nil
}

// CreateChunks persists a document's chunks with their embeddings in one
// transaction. Positions are assigned in argument order. The write is
// durable before the call returns. Returns the minted chunk ids.
func (s *Store) CreateChunks(ctx context.Context, docID string, chunks []Chunk) ([]string, error) {
	if _, err := s.GetDocument(ctx, docID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO chunks (chunk_id, doc_id, position, page, text, dim, vector) VALUES (?, ?, ?, ?, ?, ?, ?)`

	ids := make([]string, len(chunks))
	for i := range chunks {
		if chunks[i].ChunkID == "" {
			chunks[i].ChunkID = NewChunkID()
		}
		ids[i] = chunks[i].ChunkID

		_, err := tx.ExecContext(ctx, query,
			chunks[i].ChunkID, docID, i, chunks[i].Page, chunks[i].Text,
			len(chunks[i].Vector), encodeVector(chunks[i].Vector))
		if err != nil {
			if isConstraintErr(err) {
				// Identifier generation should make this impossible.
				return nil, integrityf("duplicate chunk id %s", chunks[i].ChunkID)
			}
			return nil, fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chunks: %w", err)
	}
	return ids, nil
}

// GetChunksByIDs resolves chunk records in the order of the given ids.
// Unknown ids are skipped; the caller decides whether that is an error.
func (s *Store) GetChunksByIDs(ctx context.Context, chunkIDs []string) ([]Chunk, error) {
	query := `SELECT chunk_id, doc_id, position, page, text, vector FROM chunks WHERE chunk_id = ?`

	chunks := make([]Chunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		var c Chunk
		var blob []byte
		err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ChunkID, &c.DocumentID, &c.Position, &c.Page, &c.Text, &blob)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get chunk %s: %w", id, err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode vector for chunk %s: %w", id, err)
		}
		c.Vector = vec
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// GetChunksByDocument returns a document's chunks in position order.
func (s *Store) GetChunksByDocument(ctx context.Context, docID string) ([]Chunk, error) {
	query := `SELECT chunk_id, doc_id, position, page, text, vector FROM chunks WHERE doc_id = ? ORDER BY position`
	return s.queryChunks(ctx, query, docID)
}

// AllChunks returns every chunk, ordered by document upload time then
// position, which preserves insertion order across rebuilds.
func (s *Store) AllChunks(ctx context.Context) ([]Chunk, error) {
	query := `
		SELECT c.chunk_id, c.doc_id, c.position, c.page, c.text, c.vector
		FROM chunks c JOIN documents d ON d.doc_id = c.doc_id
		ORDER BY d.uploaded_at, d.doc_id, c.position
	`
	return s.queryChunks(ctx, query)
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...interface{}) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Position, &c.Page, &c.Text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode vector for chunk %s: %w", c.ChunkID, err)
		}
		c.Vector = vec
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteDocument removes a document and all of its chunks in one
// transaction. The index manager calls this only after the surviving
// generation has been swapped in.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFoundf("document %s", docID)
	}

	return tx.Commit()
}

// DeleteChunksByDocument removes a document's chunks but keeps the
// document record. Used to unwind a failed ingestion.
func (s *Store) DeleteChunksByDocument(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// DeleteAll removes every document and chunk.
func (s *Store) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return tx.Commit()
}

// Counts returns the number of documents and chunks in the store.
func (s *Store) Counts(ctx context.Context) (documents, chunks int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&documents); err != nil {
		return 0, 0, fmt.Errorf("failed to count documents: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return documents, chunks, nil
}

// ChunkChecksum digests the store's full chunk id set, matching
// Generation.Checksum for an index built from the same set.
func (s *Store) ChunkChecksum(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id FROM chunks`)
	if err != nil {
		return "", fmt.Errorf("failed to query chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return chunkSetChecksum(ids), nil
}

// IndexMeta records which generation is persisted on disk.
type IndexMeta struct {
	Generation uint64
	ChunkCount int
	Checksum   string
	BuiltAt    int64
}

// SaveIndexMeta records the persisted generation's identity. Written
// after the generation file itself so a crash between the two leaves a
// detectable mismatch.
func (s *Store) SaveIndexMeta(ctx context.Context, meta IndexMeta) error {
	query := `
		INSERT INTO index_meta (id, generation, chunk_count, checksum, built_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			generation = excluded.generation,
			chunk_count = excluded.chunk_count,
			checksum = excluded.checksum,
			built_at = excluded.built_at
	`
	_, err := s.db.ExecContext(ctx, query, meta.Generation, meta.ChunkCount, meta.Checksum, meta.BuiltAt)
	if err != nil {
		return fmt.Errorf("failed to save index meta: %w", err)
	}
	return nil
}

// LoadIndexMeta returns the persisted generation's identity, or nil when
// no generation has ever been persisted.
func (s *Store) LoadIndexMeta(ctx context.Context) (*IndexMeta, error) {
	query := `SELECT generation, chunk_count, checksum, built_at FROM index_meta WHERE id = 1`

	var m IndexMeta
	err := s.db.QueryRowContext(ctx, query).Scan(&m.Generation, &m.ChunkCount, &m.Checksum, &m.BuiltAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index meta: %w", err)
	}
	return &m, nil
}

// isConstraintErr reports whether err is a SQLite constraint violation
// (primary key or foreign key).
func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
