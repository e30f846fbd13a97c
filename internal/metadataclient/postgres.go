package metadataclient

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresClient is the reference Document Metadata Service implementation:
// one `documents` row per docId holding the sealed CRDT state and its
// linearized plaintext (for search/readable-content access), one
// `document_collaborators` row per (docId, userId) ACL entry.
type PostgresClient struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresClient opens dsn, verifies connectivity, and ensures the schema
// exists.
func NewPostgresClient(dsn string, logger *zap.Logger) (*PostgresClient, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("metadataclient: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("metadataclient: ping: %w", err)
	}

	c := &PostgresClient{db: db, logger: logger}
	if err := c.createSchema(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *PostgresClient) createSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			doc_id     VARCHAR(128) PRIMARY KEY,
			owner_id   VARCHAR(128) NOT NULL,
			state      BYTEA NOT NULL DEFAULT '',
			plaintext  TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS document_collaborators (
			doc_id  VARCHAR(128) NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
			user_id VARCHAR(128) NOT NULL,
			role    VARCHAR(16) NOT NULL,
			PRIMARY KEY (doc_id, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_document_collaborators_user_id ON document_collaborators(user_id);`,
	}

	for _, q := range queries {
		if _, err := c.db.Exec(q); err != nil {
			return fmt.Errorf("metadataclient: schema migration failed: %w", err)
		}
	}
	return nil
}

// LoadDocument implements Client.
func (c *PostgresClient) LoadDocument(ctx context.Context, docID string) (*Document, error) {
	doc := &Document{}
	row := c.db.QueryRowContext(ctx, `SELECT owner_id, state FROM documents WHERE doc_id = $1`, docID)
	if err := row.Scan(&doc.OwnerID, &doc.State); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("metadataclient: load %s: %w", docID, err)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT user_id, role FROM document_collaborators WHERE doc_id = $1`, docID)
	if err != nil {
		return nil, fmt.Errorf("metadataclient: load collaborators %s: %w", docID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var collab Collaborator
		var role string
		if err := rows.Scan(&collab.UserID, &role); err != nil {
			return nil, fmt.Errorf("metadataclient: scan collaborator %s: %w", docID, err)
		}
		collab.Role = AccessLevel(role)
		doc.Collaborators = append(doc.Collaborators, collab)
	}

	return doc, nil
}

// PersistState implements Client: one atomic upsert replaces both state and
// plaintext together, matching C5's "one replacement write" contract.
func (c *PostgresClient) PersistState(ctx context.Context, docID string, state []byte, plaintext string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, owner_id, state, plaintext)
		VALUES ($1, '', $2, $3)
		ON CONFLICT (doc_id) DO UPDATE
		SET state = EXCLUDED.state, plaintext = EXCLUDED.plaintext, updated_at = CURRENT_TIMESTAMP
	`, docID, state, plaintext)
	if err != nil {
		return fmt.Errorf("metadataclient: persist %s: %w", docID, err)
	}
	return nil
}

// CheckAccess implements Client. The document owner always has owner
// access even without an explicit collaborator row.
func (c *PostgresClient) CheckAccess(ctx context.Context, userID, docID string) (AccessLevel, error) {
	var ownerID string
	err := c.db.QueryRowContext(ctx, `SELECT owner_id FROM documents WHERE doc_id = $1`, docID).Scan(&ownerID)
	if err != nil {
		if err == sql.ErrNoRows {
			return AccessNone, ErrDocumentNotFound
		}
		return AccessNone, fmt.Errorf("metadataclient: check access %s: %w", docID, err)
	}

	if ownerID == userID {
		return AccessOwner, nil
	}

	var role string
	err = c.db.QueryRowContext(ctx, `SELECT role FROM document_collaborators WHERE doc_id = $1 AND user_id = $2`, docID, userID).Scan(&role)
	if err != nil {
		if err == sql.ErrNoRows {
			return AccessNone, nil
		}
		return AccessNone, fmt.Errorf("metadataclient: check access %s/%s: %w", docID, userID, err)
	}

	return AccessLevel(role), nil
}

// Close releases the underlying connection pool.
func (c *PostgresClient) Close() error { return c.db.Close() }

// Ping reports whether the Postgres connection is reachable, used by the
// Gateway's health endpoint.
func (c *PostgresClient) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }
