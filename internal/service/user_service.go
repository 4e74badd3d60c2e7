package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

var (
	ErrInvalidUserInput = errors.New("invalid user input")
	ErrUserNotFound     = errors.New("user not found")
)

type DefaultUser struct {
	ID          string
	CompanyName string
	Password    string
}

type UserService struct {
	userRepo repository.UserRepository
	logger   *zap.Logger
}

func NewUserService(userRepo repository.UserRepository, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{userRepo: userRepo, logger: logger}
}

// EnsureDefaultUser seeds the bootstrap account. An existing row, including
// one whose password was already rotated, is left untouched.
func (s *UserService) EnsureDefaultUser(ctx context.Context, user DefaultUser) error {
	id := strings.TrimSpace(user.ID)
	if id == "" || user.Password == "" {
		return fmt.Errorf("%w: default user id and password are required", ErrInvalidUserInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash default password: %w", err)
	}

	record := &model.User{
		ID:           id,
		PasswordHash: string(hash),
	}
	if name := strings.TrimSpace(user.CompanyName); name != "" {
		record.CompanyName = &name
	}

	if err := s.userRepo.EnsureDefault(ctx, record); err != nil {
		return err
	}
	s.logger.Info("default user ensured", zap.String("user_id", id))
	return nil
}

func (s *UserService) StoreUserID(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUserInput
	}
	return s.userRepo.Upsert(ctx, userID)
}

func (s *UserService) PasswordUpdated(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrInvalidUserInput
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, ErrUserNotFound
	}
	if err != nil {
		return false, err
	}
	return user.UpdatePwdStatus, nil
}

func (s *UserService) MarkPasswordUpdated(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUserInput
	}
	err := s.userRepo.MarkPasswordUpdated(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
