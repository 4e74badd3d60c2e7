package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"deploy-console/internal/model"
	"deploy-console/internal/repository"
)

var (
	ErrInvalidLifecycleInput = errors.New("invalid lifecycle history input")
	ErrLifecycleNotFound     = errors.New("lifecycle history entry not found")
)

type StoreLifecycleRequest struct {
	ID     string          `json:"id"`
	Info   *string         `json:"info"`
	Date   json.RawMessage `json:"date"`
	UserID *string         `json:"user_id"`
	Log    *string         `json:"log"`
}

type LifecycleService struct {
	repo   repository.LifecycleHistoryRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewLifecycleService(repo repository.LifecycleHistoryRepository, logger *zap.Logger) *LifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleService{repo: repo, logger: logger, now: time.Now}
}

func (s *LifecycleService) Store(ctx context.Context, req StoreLifecycleRequest) (*model.LifecycleHistoryEntry, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidLifecycleInput)
	}

	date, err := ParseLifecycleDate(req.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLifecycleInput, err)
	}
	if date.IsZero() {
		date = s.now().UTC()
	}

	entry := &model.LifecycleHistoryEntry{
		ID:     id,
		Info:   req.Info,
		Date:   date,
		UserID: trimmedOrNil(req.UserID),
		Log:    req.Log,
		HasLog: req.Log != nil && *req.Log != "",
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.Info("lifecycle history stored", zap.String("id", id), zap.Bool("has_log", entry.HasLog))
	return entry, nil
}

func (s *LifecycleService) List(ctx context.Context, userID string) ([]*model.LifecycleHistoryEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return s.repo.List(ctx, nil)
	}
	return s.repo.List(ctx, &userID)
}

func (s *LifecycleService) GetLog(ctx context.Context, id string) (*model.LifecycleHistoryEntry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidLifecycleInput
	}
	entry, err := s.repo.GetLog(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrLifecycleNotFound
	}
	if err != nil {
		return nil, err
	}
	if !entry.HasLog {
		return nil, ErrLifecycleNotFound
	}
	return entry, nil
}

// ParseLifecycleDate accepts epoch seconds, an RFC3339 timestamp or a plain
// date. An absent value yields the zero time.
func ParseLifecycleDate(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		whole, frac := math.Modf(seconds)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return time.Time{}, fmt.Errorf("date must be a number or a string")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", dateLayout} {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format %q", text)
}
