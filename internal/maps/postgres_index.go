package maps

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koopa0/system-design/14-fps-relay/pkg/errors"
)

// PostgresIndex 以 PostgreSQL maps 資料表保存索引
//
// 資料表由 internal/migrations 建立。
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex 建立 PostgresIndex；連線池由呼叫端管理
func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

// List 實現 Index
func (p *PostgresIndex) List(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, filename, original_name, size, uploaded_at
		FROM maps
		ORDER BY uploaded_at, id
	`)
	if err != nil {
		return nil, unavailable(err)
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan maps: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Add 實現 Index
func (p *PostgresIndex) Add(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO maps (id, name, filename, original_name, size, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Name, rec.Filename, rec.OriginalName, rec.Size, rec.UploadedAt)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Remove 實現 Index
func (p *PostgresIndex) Remove(ctx context.Context, id string) (Record, error) {
	rows, err := p.pool.Query(ctx, `
		DELETE FROM maps
		WHERE id = $1
		RETURNING id, name, filename, original_name, size, uploaded_at
	`, id)
	if err != nil {
		return Record{}, unavailable(err)
	}

	rec, err := pgx.CollectOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, apperrors.ErrMapNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan deleted map: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.Name, &rec.Filename, &rec.OriginalName, &rec.Size, &rec.UploadedAt)
	rec.UploadedAt = rec.UploadedAt.UTC()
	return rec, err
}
