package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

type deploymentLogRepository struct {
	pool *pgxpool.Pool
}

func NewDeploymentLogRepository(pool *pgxpool.Pool) repository.DeploymentLogRepository {
	return &deploymentLogRepository{pool: pool}
}

var _ repository.DeploymentLogRepository = (*deploymentLogRepository)(nil)

const deploymentLogColumns = `
	id,
	serverid,
	user_id,
	username,
	cloudname,
	serverip,
	status,
	type,
	role,
	server_vip,
	management,
	storage,
	external_traffic,
	vxlan,
	datetime
`

func (r *deploymentLogRepository) CreateIfNoneInProgress(ctx context.Context, entry repository.DeploymentLogEntry) (*model.DeploymentLog, bool, error) {
	if entry.Log == nil {
		return nil, false, errors.New("deployment log is required")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cloudName := ""
	if entry.Log.CloudName != nil {
		cloudName = *entry.Log.CloudName
	}
	lockKey := strings.Join([]string{entry.Log.UserID, cloudName, entry.Log.ServerIP}, "|")
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return nil, false, fmt.Errorf("lock deployment key: %w", err)
	}

	query := `
		SELECT ` + deploymentLogColumns + `
		FROM deployment_activity_log
		WHERE user_id = $1
			AND status = $2
			AND cloudname IS NOT DISTINCT FROM $3
			AND serverip = $4
		ORDER BY id DESC
		LIMIT 1
	`
	existing, err := scanDeploymentLog(tx.QueryRow(
		ctx,
		query,
		entry.Log.UserID,
		model.DeploymentStatusProgress,
		nullIfEmpty(entry.Log.CloudName),
		entry.Log.ServerIP,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	if err := insertDeploymentEntry(ctx, tx, entry); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return entry.Log, true, nil
}

func (r *deploymentLogRepository) CreateBatch(ctx context.Context, entries []repository.DeploymentLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i, entry := range entries {
		if entry.Log == nil {
			return fmt.Errorf("entry %d: deployment log is required", i)
		}
		if err := insertDeploymentEntry(ctx, tx, entry); err != nil {
			return fmt.Errorf("entry %d (%s): %w", i, entry.Log.ServerIP, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *deploymentLogRepository) UpdateStatus(ctx context.Context, serverID string, status model.DeploymentStatus) error {
	query := `UPDATE deployment_activity_log SET status = $2 WHERE serverid = $1`
	tag, err := r.pool.Exec(ctx, query, serverID, status)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *deploymentLogRepository) List(ctx context.Context, filter repository.DeploymentLogFilter) ([]*model.DeploymentLog, error) {
	builder := sqrl.Select(deploymentLogColumns).
		PlaceholderFormat(sqrl.Dollar).
		From("deployment_activity_log")

	if filter.Status != nil {
		builder = builder.Where(sqrl.Eq{"status": *filter.Status})
	}
	if filter.Type != nil {
		builder = builder.Where(sqrl.Eq{"type": *filter.Type})
	}
	if filter.UserID != nil && *filter.UserID != "" {
		builder = builder.Where(sqrl.Eq{"user_id": *filter.UserID})
	}
	if filter.CloudName != nil && *filter.CloudName != "" {
		builder = builder.Where(sqrl.Eq{"cloudname": *filter.CloudName})
	}

	query, args, err := builder.OrderBy("datetime ASC", "id ASC").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*model.DeploymentLog, 0)
	for rows.Next() {
		log, err := scanDeploymentLog(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, log)
	}
	return items, rows.Err()
}

func (r *deploymentLogRepository) LatestInProgress(ctx context.Context, userID string, deploymentType model.DeploymentType) (*model.DeploymentLog, error) {
	query := `
		SELECT ` + deploymentLogColumns + `
		FROM deployment_activity_log
		WHERE user_id = $1 AND status = $2 AND type = $3
		ORDER BY datetime DESC, id DESC
		LIMIT 1
	`
	log, err := scanDeploymentLog(r.pool.QueryRow(ctx, query, userID, model.DeploymentStatusProgress, deploymentType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// Finalize moves an activity log row into the deployed inventory. The log row
// is locked for the duration, so concurrent calls for one server serialize.
// Marking the log completed and activating the license run in savepoints: a
// failure there is reported in the outcome warnings. Only a failed inventory
// upsert aborts the transaction.
func (r *deploymentLogRepository) Finalize(ctx context.Context, serverID string, params repository.FinalizeParams) (*repository.FinalizeOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `SELECT ` + deploymentLogColumns + ` FROM deployment_activity_log WHERE serverid = $1 FOR UPDATE`
	log, err := scanDeploymentLog(tx.QueryRow(ctx, query, serverID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	outcome := &repository.FinalizeOutcome{Log: log}

	err = inSavepoint(ctx, tx, func(sp pgx.Tx) error {
		_, err := sp.Exec(ctx, `UPDATE deployment_activity_log SET status = $2 WHERE serverid = $1`, serverID, model.DeploymentStatusCompleted)
		return err
	})
	if err != nil {
		outcome.Warnings = append(outcome.Warnings, fmt.Errorf("mark log completed: %w", err))
	} else {
		log.Status = model.DeploymentStatusCompleted
	}

	var licenseCode *string
	err = inSavepoint(ctx, tx, func(sp pgx.Tx) error {
		var code string
		err := sp.QueryRow(ctx, `SELECT license_code FROM license WHERE server_id = $1 ORDER BY id ASC LIMIT 1`, serverID).Scan(&code)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		licenseCode = &code
		return nil
	})
	if err != nil {
		outcome.Warnings = append(outcome.Warnings, fmt.Errorf("resolve license: %w", err))
	}

	if licenseCode != nil {
		activated, warnings := activateLicense(ctx, tx, *licenseCode, serverID, params.ActivateLicense)
		outcome.LicenseActivated = activated
		outcome.Warnings = append(outcome.Warnings, warnings...)
	}
	outcome.LicenseCode = licenseCode

	role := resolveRole(params.Role, log.Role, params.DefaultRole)
	network := log.NetworkConfig.Merge(params.Network)
	server := &model.DeployedServer{
		ServerID:      log.ServerID,
		UserID:        log.UserID,
		Username:      nullIfEmpty(log.Username),
		CloudName:     nullIfEmpty(log.CloudName),
		ServerIP:      log.ServerIP,
		ServerVIP:     nullIfEmpty(log.ServerVIP),
		Role:          role,
		LicenseCode:   licenseCode,
		NetworkConfig: network,
	}

	upsert := `
		INSERT INTO deployed_server (
			serverid, user_id, username, cloudname, serverip, server_vip, role,
			license_code, management, storage, external_traffic, vxlan
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (serverid) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			username = EXCLUDED.username,
			cloudname = EXCLUDED.cloudname,
			serverip = EXCLUDED.serverip,
			server_vip = EXCLUDED.server_vip,
			role = EXCLUDED.role,
			license_code = EXCLUDED.license_code,
			management = EXCLUDED.management,
			storage = EXCLUDED.storage,
			external_traffic = EXCLUDED.external_traffic,
			vxlan = EXCLUDED.vxlan
		RETURNING id, datetime, (xmax = 0) AS inserted
	`
	err = tx.QueryRow(
		ctx,
		upsert,
		server.ServerID,
		server.UserID,
		server.Username,
		server.CloudName,
		server.ServerIP,
		server.ServerVIP,
		server.Role,
		server.LicenseCode,
		network.Management,
		network.Storage,
		network.ExternalTraffic,
		network.VXLAN,
	).Scan(&server.ID, &server.Datetime, &outcome.ServerCreated)
	if err != nil {
		return nil, fmt.Errorf("upsert deployed server: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	outcome.Server = server
	return outcome, nil
}

func activateLicense(ctx context.Context, tx pgx.Tx, code, serverID string, compute func(model.License) repository.LicenseActivation) (bool, []error) {
	var warnings []error

	var activation repository.LicenseActivation
	lookupErr := inSavepoint(ctx, tx, func(sp pgx.Tx) error {
		license, err := scanLicense(sp.QueryRow(ctx, `SELECT `+licenseColumns+` FROM license WHERE license_code = $1`, code))
		if err != nil {
			return err
		}
		if compute != nil {
			activation = compute(*license)
		}
		return nil
	})
	if lookupErr != nil {
		warnings = append(warnings, fmt.Errorf("load license %s: %w", code, lookupErr))
		activation = repository.LicenseActivation{}
	}

	err := inSavepoint(ctx, tx, func(sp pgx.Tx) error {
		if lookupErr != nil {
			_, err := sp.Exec(
				ctx,
				`UPDATE license SET license_status = $3, server_id = $2 WHERE license_code = $1`,
				code, serverID, model.LicenseStatusActivated,
			)
			return err
		}
		_, err := sp.Exec(
			ctx,
			`UPDATE license
			SET license_status = $3,
				server_id = $2,
				start_date = $4,
				end_date = $5,
				license_period = CASE WHEN $6 THEN NULL ELSE license_period END
			WHERE license_code = $1`,
			code, serverID, model.LicenseStatusActivated, activation.StartDate, activation.EndDate, activation.ClearPeriod,
		)
		return err
	})
	if err != nil {
		warnings = append(warnings, fmt.Errorf("activate license %s: %w", code, err))
		return false, warnings
	}
	return true, warnings
}

func insertDeploymentEntry(ctx context.Context, q querier, entry repository.DeploymentLogEntry) error {
	log := entry.Log
	if log.Status == "" {
		log.Status = model.DeploymentStatusProgress
	}

	query := `
		INSERT INTO deployment_activity_log (
			serverid, user_id, username, cloudname, serverip, status, type,
			role, server_vip, management, storage, external_traffic, vxlan
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, datetime
	`
	err := q.QueryRow(
		ctx,
		query,
		log.ServerID,
		log.UserID,
		nullIfEmpty(log.Username),
		nullIfEmpty(log.CloudName),
		log.ServerIP,
		log.Status,
		log.Type,
		nullIfEmpty(log.Role),
		nullIfEmpty(log.ServerVIP),
		nullIfEmpty(log.Management),
		nullIfEmpty(log.Storage),
		nullIfEmpty(log.ExternalTraffic),
		nullIfEmpty(log.VXLAN),
	).Scan(&log.ID, &log.Datetime)
	if err != nil {
		return fmt.Errorf("insert deployment log: %w", err)
	}

	if entry.License != nil {
		entry.License.ServerID = &log.ServerID
		if err := attachLicense(ctx, q, entry.License); err != nil {
			return fmt.Errorf("attach license: %w", err)
		}
	}
	return nil
}

// attachLicense binds a license code to a pending server. An existing code is
// rebound rather than rejected.
func attachLicense(ctx context.Context, q querier, license *model.License) error {
	if license.LicenseStatus == "" {
		license.LicenseStatus = model.LicenseStatusValidated
	}
	query := `
		INSERT INTO license (license_code, license_type, license_period, license_status, server_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (license_code) DO UPDATE SET
			license_type = EXCLUDED.license_type,
			license_period = EXCLUDED.license_period,
			license_status = EXCLUDED.license_status,
			server_id = EXCLUDED.server_id
		RETURNING id
	`
	return q.QueryRow(
		ctx,
		query,
		license.LicenseCode,
		nullIfEmpty(license.LicenseType),
		nullIfEmpty(license.LicensePeriod),
		license.LicenseStatus,
		license.ServerID,
	).Scan(&license.ID)
}

func resolveRole(override, stored *string, fallback string) string {
	if override != nil && strings.TrimSpace(*override) != "" {
		return *override
	}
	if stored != nil && strings.TrimSpace(*stored) != "" {
		return *stored
	}
	if fallback != "" {
		return fallback
	}
	return "child"
}

func scanDeploymentLog(src scanTarget) (*model.DeploymentLog, error) {
	log := &model.DeploymentLog{}
	var datetime time.Time
	err := src.Scan(
		&log.ID,
		&log.ServerID,
		&log.UserID,
		&log.Username,
		&log.CloudName,
		&log.ServerIP,
		&log.Status,
		&log.Type,
		&log.Role,
		&log.ServerVIP,
		&log.Management,
		&log.Storage,
		&log.ExternalTraffic,
		&log.VXLAN,
		&datetime,
	)
	if err != nil {
		return nil, err
	}
	log.Datetime = datetime.UTC()
	return log, nil
}
