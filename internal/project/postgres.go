package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/codecollab/collab-server/internal/protocol"
)

// PostgresStore keeps projects in the projects table. Files are a JSONB
// array so a save replaces them in one statement.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL, applies pending migrations and
// returns a store.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("project: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("project: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	const query = `SELECT id, name, last_modified FROM projects ORDER BY last_modified DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("project: list: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.LastModified); err != nil {
			return nil, fmt.Errorf("project: list scan: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*Project, error) {
	const query = `SELECT id, name, files, last_modified FROM projects WHERE id = $1`

	var (
		p     Project
		files []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &files, &p.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("project: load: %w", err)
	}
	if err := json.Unmarshal(files, &p.Files); err != nil {
		return nil, fmt.Errorf("project: decode files: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Save(ctx context.Context, p *Project) error {
	files, err := encodeFiles(p.Files)
	if err != nil {
		return err
	}

	const query = `
		UPDATE projects SET name = $2, files = $3, last_modified = $4
		WHERE id = $1`

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query, p.ID, p.Name, files, now)
	if err != nil {
		return fmt.Errorf("project: save: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	p.LastModified = now
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Project) error {
	files, err := encodeFiles(p.Files)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO projects (id, name, files, last_modified)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, p.ID, p.Name, files, p.LastModified); err != nil {
		return fmt.Errorf("project: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("project: delete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func encodeFiles(files []protocol.File) ([]byte, error) {
	if files == nil {
		files = []protocol.File{}
	}
	data, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("project: encode files: %w", err)
	}
	return data, nil
}
