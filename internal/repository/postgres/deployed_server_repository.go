package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

type deployedServerRepository struct {
	pool *pgxpool.Pool
}

func NewDeployedServerRepository(pool *pgxpool.Pool) repository.DeployedServerRepository {
	return &deployedServerRepository{pool: pool}
}

var _ repository.DeployedServerRepository = (*deployedServerRepository)(nil)

const deployedServerColumns = `
	id,
	serverid,
	user_id,
	username,
	cloudname,
	serverip,
	server_vip,
	role,
	license_code,
	management,
	storage,
	external_traffic,
	vxlan,
	datetime
`

func (r *deployedServerRepository) List(ctx context.Context, userID *string) ([]*model.DeployedServer, error) {
	if userID != nil && *userID != "" {
		query := `SELECT ` + deployedServerColumns + ` FROM deployed_server WHERE user_id = $1 ORDER BY datetime DESC, id DESC`
		return r.query(ctx, query, *userID)
	}
	query := `SELECT ` + deployedServerColumns + ` FROM deployed_server ORDER BY datetime DESC, id DESC`
	return r.query(ctx, query)
}

func (r *deployedServerRepository) ListSquadron(ctx context.Context, userID string) ([]*model.DeployedServer, error) {
	query := `
		SELECT ` + deployedServerColumns + `
		FROM deployed_server
		WHERE user_id = $1 AND role NOT ILIKE '%host%'
		ORDER BY datetime DESC, id DESC
	`
	return r.query(ctx, query, userID)
}

func (r *deployedServerRepository) ListChildren(ctx context.Context, userID *string) ([]*model.DeployedServer, error) {
	if userID != nil && *userID != "" {
		query := `SELECT ` + deployedServerColumns + ` FROM deployed_server WHERE role ILIKE '%child%' AND user_id = $1 ORDER BY datetime ASC, id ASC`
		return r.query(ctx, query, *userID)
	}
	query := `SELECT ` + deployedServerColumns + ` FROM deployed_server WHERE role ILIKE '%child%' ORDER BY datetime ASC, id ASC`
	return r.query(ctx, query)
}

func (r *deployedServerRepository) DashboardCounts(ctx context.Context, userID string) (repository.DashboardCounts, error) {
	query := `
		SELECT
			(SELECT COUNT(DISTINCT cloudname) FROM deployed_server WHERE user_id = $1),
			(SELECT COUNT(*) FROM deployment_activity_log WHERE user_id = $1 AND status = $2 AND type = $3),
			(SELECT COUNT(*) FROM deployed_server WHERE user_id = $1)
	`
	var counts repository.DashboardCounts
	err := r.pool.QueryRow(ctx, query, userID, model.DeploymentStatusCompleted, model.DeploymentTypeHost).Scan(
		&counts.CloudCount,
		&counts.FlightDeckCount,
		&counts.SquadronCount,
	)
	if err != nil {
		return repository.DashboardCounts{}, err
	}
	return counts, nil
}

func (r *deployedServerRepository) DistinctIPs(ctx context.Context) ([]string, error) {
	query := `
		SELECT serverip FROM deployment_activity_log WHERE status = $1 AND type = $2
		UNION
		SELECT serverip FROM deployed_server
		ORDER BY serverip
	`
	rows, err := r.pool.Query(ctx, query, model.DeploymentStatusCompleted, model.DeploymentTypeHost)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ips := make([]string, 0)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips, rows.Err()
}

// CloudSummaries groups the inventory by cloud. The representative row of a
// cloud is its earliest deployed server.
func (r *deployedServerRepository) CloudSummaries(ctx context.Context, userID string) ([]repository.CloudSummary, error) {
	query := `
		SELECT c.cloudname, c.node_count, f.serverip, f.server_vip, f.datetime
		FROM (
			SELECT cloudname, COUNT(*) AS node_count
			FROM deployed_server
			WHERE user_id = $1
			GROUP BY cloudname
		) c
		JOIN (
			SELECT DISTINCT ON (cloudname) cloudname, serverip, server_vip, datetime
			FROM deployed_server
			WHERE user_id = $1
			ORDER BY cloudname, datetime ASC, id ASC
		) f ON f.cloudname IS NOT DISTINCT FROM c.cloudname
		ORDER BY f.datetime DESC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]repository.CloudSummary, 0)
	for rows.Next() {
		var item repository.CloudSummary
		if err := rows.Scan(&item.CloudName, &item.NodeCount, &item.ServerIP, &item.ServerVIP, &item.FirstDeployed); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *deployedServerRepository) EarliestByUser(ctx context.Context, userID string) (*model.DeployedServer, error) {
	query := `SELECT ` + deployedServerColumns + ` FROM deployed_server WHERE user_id = $1 ORDER BY datetime ASC, id ASC LIMIT 1`
	server, err := scanDeployedServer(r.pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return server, nil
}

func (r *deployedServerRepository) HostExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployed_server WHERE user_id = $1)`, userID).Scan(&exists)
	return exists, err
}

func (r *deployedServerRepository) FirstHostServerID(ctx context.Context, userID string) (string, error) {
	query := `
		SELECT serverid
		FROM deployed_server
		WHERE user_id = $1 AND role ILIKE '%host%'
		ORDER BY datetime ASC, id ASC
		LIMIT 1
	`
	var serverID string
	err := r.pool.QueryRow(ctx, query, userID).Scan(&serverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return serverID, nil
}

func (r *deployedServerRepository) CloudNameExists(ctx context.Context, cloudName string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM deployed_server WHERE LOWER(cloudname) = LOWER($1)
			UNION ALL
			SELECT 1 FROM deployment_activity_log WHERE LOWER(cloudname) = LOWER($1)
		)
	`
	var exists bool
	err := r.pool.QueryRow(ctx, query, cloudName).Scan(&exists)
	return exists, err
}

func (r *deployedServerRepository) query(ctx context.Context, query string, args ...any) ([]*model.DeployedServer, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*model.DeployedServer, 0)
	for rows.Next() {
		server, err := scanDeployedServer(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, server)
	}
	return items, rows.Err()
}

func scanDeployedServer(src scanTarget) (*model.DeployedServer, error) {
	server := &model.DeployedServer{}
	err := src.Scan(
		&server.ID,
		&server.ServerID,
		&server.UserID,
		&server.Username,
		&server.CloudName,
		&server.ServerIP,
		&server.ServerVIP,
		&server.Role,
		&server.LicenseCode,
		&server.Management,
		&server.Storage,
		&server.ExternalTraffic,
		&server.VXLAN,
		&server.Datetime,
	)
	if err != nil {
		return nil, err
	}
	return server, nil
}
