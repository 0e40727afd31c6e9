package docstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ComUnity/web3analytics/internal/util/logger"
)

//go:embed schema.sql
var schemaSQL string

type PostgresConfig struct {
	DatabaseURL  string
	MaxOpenConns int
	ConnLifetime time.Duration
}

// PostgresStore keeps documents in Postgres or CockroachDB.
type PostgresStore struct {
	binding
	db *sql.DB
}

// NewPostgresStore opens a pooled connection and fails fast if the
// database is unreachable.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("docstore: open: %w", err)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.ConnLifetime <= 0 {
		cfg.ConnLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	return NewPostgresStoreWithDB(db), nil
}

func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) CreateDocument(ctx context.Context, family string, content Content) (*Document, error) {
	s, err := p.sign(content)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		ID:         uuid.NewString(),
		Family:     family,
		Controller: s.controller,
		Signature:  s.signature,
	}
	if doc.Content, err = decodeContent(s.body); err != nil {
		return nil, err
	}

	const q = `
INSERT INTO documents (id, family, controller, content, signature)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at, updated_at`
	err = p.db.QueryRowContext(ctx, q, doc.ID, family, s.controller, s.body, s.signature).
		Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("docstore: create %s: %w", family, err)
	}
	logger.Debug("Created %s document %s", family, doc.ID)
	return doc, nil
}

// UpdateDocument replaces the content of a document owned by the bound
// identity.
func (p *PostgresStore) UpdateDocument(ctx context.Context, id string, content Content) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s, err := p.sign(content)
	if err != nil {
		return err
	}

	const q = `
UPDATE documents
SET content = $1, signature = $2, updated_at = now()
WHERE id = $3 AND controller = $4`
	res, err := p.db.ExecContext(ctx, q, s.body, s.signature, id, s.controller)
	if err != nil {
		return fmt.Errorf("docstore: update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docstore: update %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) LoadDocument(ctx context.Context, id string) (*Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	const q = `
SELECT id, family, controller, content, signature, created_at, updated_at
FROM documents WHERE id = $1`
	var (
		doc  Document
		body []byte
	)
	err := p.db.QueryRowContext(ctx, q, id).Scan(
		&doc.ID, &doc.Family, &doc.Controller, &body, &doc.Signature, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: load %s: %w", id, err)
	}
	if doc.Content, err = decodeContent(body); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (p *PostgresStore) ReadNamed(ctx context.Context, name string) (Content, error) {
	signer, err := p.current()
	if err != nil {
		return nil, err
	}
	const q = `SELECT content FROM named_documents WHERE controller = $1 AND name = $2`
	var body []byte
	err = p.db.QueryRowContext(ctx, q, signer.DID(), name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: read %s: %w", name, err)
	}
	return decodeContent(body)
}

func (p *PostgresStore) SetNamed(ctx context.Context, name string, content Content) error {
	s, err := p.sign(content)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO named_documents (controller, name, content, signature)
VALUES ($1, $2, $3, $4)
ON CONFLICT (controller, name) DO UPDATE
SET content = EXCLUDED.content,
    signature = EXCLUDED.signature,
    updated_at = now()`
	if _, err := p.db.ExecContext(ctx, q, s.controller, name, s.body, s.signature); err != nil {
		return fmt.Errorf("docstore: set %s: %w", name, err)
	}
	return nil
}
