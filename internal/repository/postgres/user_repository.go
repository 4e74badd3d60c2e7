package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return &userRepository{pool: pool}
}

var _ repository.UserRepository = (*userRepository)(nil)

const userColumns = `
	id,
	company_name,
	email,
	password,
	update_pwd_status
`

// EnsureDefault inserts user unless a row with the same id exists. An
// existing row is never modified.
func (r *userRepository) EnsureDefault(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (id, company_name, email, password, update_pwd_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.pool.Exec(
		ctx,
		query,
		user.ID,
		user.CompanyName,
		user.Email,
		user.PasswordHash,
		user.UpdatePwdStatus,
	)
	return err
}

func (r *userRepository) Upsert(ctx context.Context, id string) error {
	query := `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *userRepository) MarkPasswordUpdated(ctx context.Context, id string) error {
	query := `UPDATE users SET update_pwd_status = TRUE WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func scanUser(src scanTarget) (*model.User, error) {
	user := &model.User{}
	err := src.Scan(
		&user.ID,
		&user.CompanyName,
		&user.Email,
		&user.PasswordHash,
		&user.UpdatePwdStatus,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}
