package store

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS reports (
	key             TEXT PRIMARY KEY,
	incident_title  TEXT NOT NULL,
	generated_at    TIMESTAMPTZ NOT NULL,
	html            BYTEA NOT NULL,
	findings        BYTEA NOT NULL,
	html_sha256     TEXT NOT NULL,
	findings_sha256 TEXT NOT NULL
)`

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresStore keeps reports in a single table. Each Put is one
// transaction, so a report row is either fully visible or absent.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and ensures the reports table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: errors.Wrap(err, "open postgres")}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: errors.Wrap(err, "ping postgres")}
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: errors.Wrap(err, "apply schema")}
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, r Report) error {
	if err := checkReport(r); err != nil {
		return &StorageError{Op: "put", Key: r.Key, Err: err}
	}
	meta := metaFor(r)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "put", Key: r.Key, Err: errors.Wrap(err, "begin")}
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO reports (key, incident_title, generated_at, html, findings, html_sha256, findings_sha256)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, q,
		r.Key,
		r.IncidentTitle,
		meta.GeneratedAt,
		r.HTML,
		r.Findings,
		meta.Files[0].SHA256,
		meta.Files[1].SHA256,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return &StorageError{Op: "put", Key: r.Key, Err: ErrExists}
		}
		return &StorageError{Op: "put", Key: r.Key, Err: errors.Wrap(err, "insert")}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "put", Key: r.Key, Err: errors.Wrap(err, "commit")}
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (Report, error) {
	const q = `
		SELECT key, incident_title, generated_at, html, findings, html_sha256, findings_sha256
		FROM reports WHERE key = $1
	`
	var (
		r                    Report
		htmlSum, findingsSum string
	)
	err := s.db.QueryRowContext(ctx, q, key).Scan(
		&r.Key, &r.IncidentTitle, &r.GeneratedAt, &r.HTML, &r.Findings, &htmlSum, &findingsSum)
	if err == sql.ErrNoRows {
		return Report{}, &StorageError{Op: "get", Key: key, Err: ErrNotFound}
	}
	if err != nil {
		return Report{}, &StorageError{Op: "get", Key: key, Err: errors.Wrap(err, "select")}
	}
	if sha256Hex(r.HTML) != htmlSum || sha256Hex(r.Findings) != findingsSum {
		return Report{}, &StorageError{Op: "get", Key: key, Err: errors.New("digest mismatch")}
	}
	r.GeneratedAt = r.GeneratedAt.UTC()
	return r, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Meta, error) {
	const q = `
		SELECT key, incident_title, generated_at, html_sha256, octet_length(html), findings_sha256, octet_length(findings)
		FROM reports ORDER BY generated_at DESC, key ASC
	`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: errors.Wrap(err, "select")}
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var (
			m           Meta
			html, finds FileHash
		)
		html.File, finds.File = ReportFile, FindingsFile
		if err := rows.Scan(&m.Key, &m.IncidentTitle, &m.GeneratedAt,
			&html.SHA256, &html.Size, &finds.SHA256, &finds.Size); err != nil {
			return nil, &StorageError{Op: "list", Err: errors.Wrap(err, "scan")}
		}
		m.GeneratedAt = m.GeneratedAt.UTC()
		m.Files = []FileHash{html, finds}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: errors.Wrap(err, "rows")}
	}
	return metas, nil
}
