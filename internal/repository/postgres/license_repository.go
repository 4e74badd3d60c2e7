package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

type licenseRepository struct {
	pool *pgxpool.Pool
}

func NewLicenseRepository(pool *pgxpool.Pool) repository.LicenseRepository {
	return &licenseRepository{pool: pool}
}

var _ repository.LicenseRepository = (*licenseRepository)(nil)

const licenseColumns = `
	id,
	license_code,
	license_type,
	license_period,
	license_status,
	server_id,
	start_date,
	end_date,
	disable_enforced
`

func (r *licenseRepository) FindByCode(ctx context.Context, code string) (*model.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM license WHERE license_code = $1`
	license, err := scanLicense(r.pool.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return license, nil
}

func (r *licenseRepository) LatestByServerID(ctx context.Context, serverID string) (*model.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM license WHERE server_id = $1 ORDER BY id DESC LIMIT 1`
	license, err := scanLicense(r.pool.QueryRow(ctx, query, serverID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return license, nil
}

func (r *licenseRepository) Insert(ctx context.Context, license *model.License) error {
	startDate, err := parseDate(license.StartDate)
	if err != nil {
		return fmt.Errorf("parse start_date: %w", err)
	}
	endDate, err := parseDate(license.EndDate)
	if err != nil {
		return fmt.Errorf("parse end_date: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		INSERT INTO license (
			license_code, license_type, license_period, license_status,
			server_id, start_date, end_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, disable_enforced
	`
	err = tx.QueryRow(
		ctx,
		query,
		license.LicenseCode,
		nullIfEmpty(license.LicenseType),
		nullIfEmpty(license.LicensePeriod),
		license.LicenseStatus,
		nullIfEmpty(license.ServerID),
		startDate,
		endDate,
	).Scan(&license.ID, &license.DisableEnforced)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	if license.ServerID != nil && *license.ServerID != "" {
		if _, err := tx.Exec(
			ctx,
			`UPDATE deployed_server SET license_code = $2 WHERE serverid = $1`,
			*license.ServerID,
			license.LicenseCode,
		); err != nil {
			return fmt.Errorf("bind license to deployed server: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *licenseRepository) ExpireDue(ctx context.Context, today time.Time) (int64, error) {
	query := `
		UPDATE license
		SET license_status = $1
		WHERE license_status = $2
			AND end_date IS NOT NULL
			AND end_date < $3
	`
	tag, err := r.pool.Exec(ctx, query, model.LicenseStatusExpired, model.LicenseStatusActivated, truncateToDate(today))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *licenseRepository) PendingEnforcement(ctx context.Context) ([]repository.ExpiredLicense, error) {
	query := `
		SELECT l.license_code, l.server_id, ds.serverip
		FROM license l
		JOIN deployed_server ds ON ds.serverid = l.server_id
		WHERE l.license_status = $1
			AND l.disable_enforced = FALSE
			AND ds.serverip IS NOT NULL
			AND ds.serverip <> ''
		ORDER BY l.id ASC
	`
	rows, err := r.pool.Query(ctx, query, model.LicenseStatusExpired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]repository.ExpiredLicense, 0)
	for rows.Next() {
		var item repository.ExpiredLicense
		if err := rows.Scan(&item.LicenseCode, &item.ServerID, &item.ServerIP); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *licenseRepository) MarkEnforced(ctx context.Context, serverIDs []string) (int64, error) {
	if len(serverIDs) == 0 {
		return 0, nil
	}
	query := `
		UPDATE license
		SET disable_enforced = TRUE
		WHERE license_status = $1
			AND server_id = ANY($2)
	`
	tag, err := r.pool.Exec(ctx, query, model.LicenseStatusExpired, serverIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func scanLicense(src scanTarget) (*model.License, error) {
	license := &model.License{}
	var startDate, endDate *time.Time
	err := src.Scan(
		&license.ID,
		&license.LicenseCode,
		&license.LicenseType,
		&license.LicensePeriod,
		&license.LicenseStatus,
		&license.ServerID,
		&startDate,
		&endDate,
		&license.DisableEnforced,
	)
	if err != nil {
		return nil, err
	}
	license.StartDate = formatDate(startDate)
	license.EndDate = formatDate(endDate)
	return license, nil
}
