package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imagestudio/internal/models"
)

type PostgresImageStore struct {
	pool *pgxpool.Pool
}

func NewPostgresImageStore(pool *pgxpool.Pool) *PostgresImageStore {
	return &PostgresImageStore{pool: pool}
}

func (r *PostgresImageStore) EnsureSchema(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS image_records (
			id                TEXT PRIMARY KEY,
			urls              JSONB NOT NULL,
			operation_type    TEXT NOT NULL,
			operation_params  JSONB NOT NULL,
			parent_id         TEXT,
			edit_chain        JSONB NOT NULL,
			operation_history JSONB NOT NULL,
			created_at        BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS image_records_created_at_idx ON image_records (created_at DESC, id DESC);
	`
	_, err := r.pool.Exec(ctx, query)
	return err
}

func (r *PostgresImageStore) Store(ctx context.Context, id string, record models.ImageRecord) (models.ImageRecord, error) {
	record, err := prepareRecord(id, record)
	if err != nil {
		return models.ImageRecord{}, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var parent *models.ImageRecord
	if record.ParentID != "" {
		p, err := scanRecord(tx.QueryRow(ctx, selectRecord+` WHERE id = $1`, record.ParentID))
		switch {
		case err == nil:
			parent = &p
		case errors.Is(err, ErrImageNotFound):
		default:
			return models.ImageRecord{}, fmt.Errorf("load parent: %w", err)
		}
	}
	stored := record.WithLineage(parent)

	urls, err := json.Marshal(stored.URLs)
	if err != nil {
		return models.ImageRecord{}, err
	}
	params, err := json.Marshal(stored.OperationParams)
	if err != nil {
		return models.ImageRecord{}, err
	}
	chain, err := json.Marshal(stored.EditChain)
	if err != nil {
		return models.ImageRecord{}, err
	}
	history, err := json.Marshal(stored.OperationHistory)
	if err != nil {
		return models.ImageRecord{}, err
	}

	const query = `
		INSERT INTO image_records (
			id, urls, operation_type, operation_params, parent_id, edit_chain, operation_history, created_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8
		)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query,
		stored.ID,
		urls,
		string(stored.OperationType),
		params,
		stored.ParentID,
		chain,
		history,
		stored.CreatedAt,
	)
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ImageRecord{}, ErrDuplicateID
	}

	if err := tx.Commit(ctx); err != nil {
		return models.ImageRecord{}, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

func (r *PostgresImageStore) Get(ctx context.Context, id string) (models.ImageRecord, error) {
	return scanRecord(r.pool.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
}

func (r *PostgresImageStore) Latest(ctx context.Context) (models.ImageRecord, error) {
	return scanRecord(r.pool.QueryRow(ctx, selectRecord+` ORDER BY created_at DESC, id DESC LIMIT 1`))
}

func (r *PostgresImageStore) Close() error {
	r.pool.Close()
	return nil
}

const selectRecord = `
	SELECT id, urls, operation_type, operation_params, COALESCE(parent_id, ''),
	       edit_chain, operation_history, created_at
	FROM image_records`

func scanRecord(row pgx.Row) (models.ImageRecord, error) {
	var (
		record  models.ImageRecord
		opType  string
		urls    []byte
		params  []byte
		chain   []byte
		history []byte
	)
	if err := row.Scan(
		&record.ID,
		&urls,
		&opType,
		&params,
		&record.ParentID,
		&chain,
		&history,
		&record.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ImageRecord{}, ErrImageNotFound
		}
		return models.ImageRecord{}, err
	}
	record.OperationType = models.OperationType(opType)

	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{urls, &record.URLs},
		{params, &record.OperationParams},
		{chain, &record.EditChain},
		{history, &record.OperationHistory},
	} {
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return models.ImageRecord{}, fmt.Errorf("decode record %s: %w", record.ID, err)
		}
	}
	return record, nil
}
