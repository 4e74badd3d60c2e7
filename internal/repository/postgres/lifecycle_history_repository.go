package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

type lifecycleHistoryRepository struct {
	pool *pgxpool.Pool
}

func NewLifecycleHistoryRepository(pool *pgxpool.Pool) repository.LifecycleHistoryRepository {
	return &lifecycleHistoryRepository{pool: pool}
}

var _ repository.LifecycleHistoryRepository = (*lifecycleHistoryRepository)(nil)

func (r *lifecycleHistoryRepository) Upsert(ctx context.Context, entry *model.LifecycleHistoryEntry) error {
	query := `
		INSERT INTO lifecycle_history (id, info, date, user_id, log)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			info = EXCLUDED.info,
			date = EXCLUDED.date,
			user_id = EXCLUDED.user_id,
			log = EXCLUDED.log
		RETURNING created_at
	`
	return r.pool.QueryRow(
		ctx,
		query,
		entry.ID,
		entry.Info,
		entry.Date,
		entry.UserID,
		entry.Log,
	).Scan(&entry.CreatedAt)
}

// List returns entries newest first without their log bodies.
func (r *lifecycleHistoryRepository) List(ctx context.Context, userID *string) ([]*model.LifecycleHistoryEntry, error) {
	base := `
		SELECT id, info, date, user_id, (log IS NOT NULL AND log <> '') AS has_log, created_at
		FROM lifecycle_history
	`
	var (
		rows pgx.Rows
		err  error
	)
	if userID != nil && *userID != "" {
		rows, err = r.pool.Query(ctx, base+` WHERE user_id = $1 ORDER BY date DESC, created_at DESC`, *userID)
	} else {
		rows, err = r.pool.Query(ctx, base+` ORDER BY date DESC, created_at DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*model.LifecycleHistoryEntry, 0)
	for rows.Next() {
		entry := &model.LifecycleHistoryEntry{}
		if err := rows.Scan(&entry.ID, &entry.Info, &entry.Date, &entry.UserID, &entry.HasLog, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Date = entry.Date.UTC()
		items = append(items, entry)
	}
	return items, rows.Err()
}

func (r *lifecycleHistoryRepository) GetLog(ctx context.Context, id string) (*model.LifecycleHistoryEntry, error) {
	query := `SELECT id, info, date, user_id, log, created_at FROM lifecycle_history WHERE id = $1`
	entry := &model.LifecycleHistoryEntry{}
	err := r.pool.QueryRow(ctx, query, id).Scan(&entry.ID, &entry.Info, &entry.Date, &entry.UserID, &entry.Log, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.Date = entry.Date.UTC()
	entry.HasLog = entry.Log != nil && *entry.Log != ""
	return entry, nil
}
