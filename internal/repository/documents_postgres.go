package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/jobsync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	recordsChannel = "job_records_changed"
	indexChannel   = "job_index_changed"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_records (
	id TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS job_records_owner_idx ON job_records ((doc->>'ownerId'));
CREATE INDEX IF NOT EXISTS job_records_assignee_idx ON job_records ((doc->>'assigneeId'));

CREATE TABLE IF NOT EXISTS job_index (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	job_number TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	job_date TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS job_index_company_idx ON job_index (company_id);
`

// PostgresDocumentStore keeps records as JSONB documents and pushes changes
// to subscribers through LISTEN/NOTIFY.
type PostgresDocumentStore struct {
	pool *pgxpool.Pool
}

func NewPostgresDocumentStore(ctx context.Context, databaseURL string) (*PostgresDocumentStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresDocumentStore{pool: pool}, nil
}

func (s *PostgresDocumentStore) Close() {
	s.pool.Close()
}

func (s *PostgresDocumentStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertDocument writes a whole document and refreshes its index entry.
func (s *PostgresDocumentStore) UpsertDocument(ctx context.Context, id string, raw []byte) error {
	record, err := domain.DecodeRecord(id, raw)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO job_records (id, doc, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, id, raw); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_index (id, company_id, address, job_number, status, owner_id, job_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			company_id = EXCLUDED.company_id,
			address = EXCLUDED.address,
			job_number = EXCLUDED.job_number,
			status = EXCLUDED.status,
			owner_id = EXCLUDED.owner_id,
			job_date = EXCLUDED.job_date,
			updated_at = now()
	`, id, record.CompanyID, record.Address, record.JobNumber, record.Status, record.OwnerID, record.Date); err != nil {
		return fmt.Errorf("upsert index entry: %w", err)
	}
	if err := notifyChanges(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *PostgresDocumentStore) SubmitWrite(ctx context.Context, recordID string, mutation domain.Mutation) error {
	patch, err := json.Marshal(mutation.Patch())
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	command, err := tx.Exec(ctx, `
		UPDATE job_records
		SET doc = doc || $2::jsonb || jsonb_build_object('updatedAt', to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')),
			updated_at = now()
		WHERE id = $1
	`, recordID, patch)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE job_index AS i
		SET address = COALESCE(r.doc->>'address', i.address),
			job_number = COALESCE(r.doc->>'jobNumber', i.job_number),
			status = COALESCE(r.doc->>'status', i.status),
			updated_at = now()
		FROM job_records AS r
		WHERE i.id = r.id AND r.id = $1
	`, recordID); err != nil {
		return fmt.Errorf("update index entry: %w", err)
	}
	if err := notifyChanges(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit write: %w", err)
	}
	return nil
}

func notifyChanges(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, ''), pg_notify($2, '')`, recordsChannel, indexChannel); err != nil {
		return fmt.Errorf("notify changes: %w", err)
	}
	return nil
}

func (s *PostgresDocumentStore) SubscribeRecords(ctx context.Context, ownerID string, handler func([]Document)) error {
	return s.listen(ctx, recordsChannel, func(ctx context.Context) error {
		docs, err := s.loadDocuments(ctx, ownerID)
		if err != nil {
			return err
		}
		handler(docs)
		return nil
	})
}

func (s *PostgresDocumentStore) SubscribeIndex(ctx context.Context, companyID string, handler func([]domain.SearchIndexEntry)) error {
	return s.listen(ctx, indexChannel, func(ctx context.Context) error {
		entries, err := s.loadIndex(ctx, companyID)
		if err != nil {
			return err
		}
		handler(entries)
		return nil
	})
}

// listen holds one pooled connection for the lifetime of the subscription
// and reloads after every notification on channel.
func (s *PostgresDocumentStore) listen(ctx context.Context, channel string, reload func(context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	if err := reload(ctx); err != nil {
		return err
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("wait for %s: %w", channel, err)
		}
		if err := reload(ctx); err != nil {
			return err
		}
	}
}

func (s *PostgresDocumentStore) loadDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doc
		FROM job_records
		WHERE doc->>'ownerId' = $1 OR doc->>'assigneeId' = $1
		ORDER BY doc->>'date', id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, Document{ID: id, Data: json.RawMessage(doc)})
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate documents: %w", rows.Err())
	}
	return docs, nil
}

func (s *PostgresDocumentStore) loadIndex(ctx context.Context, companyID string) ([]domain.SearchIndexEntry, error) {
	where, args := buildIndexFilters(companyID)
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, address, job_number, status, owner_id, job_date
		FROM job_index`+where+`
		ORDER BY job_date DESC, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.SearchIndexEntry, 0)
	for rows.Next() {
		var entry domain.SearchIndexEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.CompanyID,
			&entry.Address,
			&entry.JobNumber,
			&entry.Status,
			&entry.OwnerID,
			&entry.Date,
		); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate index entries: %w", rows.Err())
	}
	return entries, nil
}

func buildIndexFilters(companyID string) (string, []any) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return "", nil
	}
	return " WHERE company_id = $1", []any{companyID}
}

// Record loads a single document.
func (s *PostgresDocumentStore) Record(ctx context.Context, id string) (domain.JobRecord, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM job_records WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JobRecord{}, ErrNotFound
		}
		return domain.JobRecord{}, fmt.Errorf("query document: %w", err)
	}
	return domain.DecodeRecord(id, doc)
}
