package logger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultSystemLogCapacity = 1000
	defaultLogPageSize       = 50
	maxLogPageSize           = 500
)

type SystemLogEntry struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Caller    string         `json:"caller,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type LogQuery struct {
	Level    string
	Keyword  string
	Since    time.Time
	Page     int
	PageSize int
}

type LogPage struct {
	Items    []SystemLogEntry `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// SystemLogStore keeps the most recent log entries in a fixed-size ring.
type SystemLogStore struct {
	mu      sync.RWMutex
	ring    []SystemLogEntry
	head    int
	size    int
	lastSeq uint64
}

func NewSystemLogStore(capacity int) *SystemLogStore {
	if capacity <= 0 {
		capacity = defaultSystemLogCapacity
	}
	return &SystemLogStore{ring: make([]SystemLogEntry, capacity)}
}

// WrapZapLogger tees every entry that passes base's level into store.
func WrapZapLogger(base *zap.Logger, store *SystemLogStore) *zap.Logger {
	if base == nil || store == nil {
		return base
	}
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &ringCore{Core: core, store: store}
	}))
}

// Query returns matching entries newest first.
func (s *SystemLogStore) Query(q LogQuery) LogPage {
	page, pageSize := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultLogPageSize
	}
	if pageSize > maxLogPageSize {
		pageSize = maxLogPageSize
	}
	out := LogPage{Items: []SystemLogEntry{}, Page: page, PageSize: pageSize}
	if s == nil {
		return out
	}

	level := strings.ToLower(strings.TrimSpace(q.Level))
	keyword := strings.ToLower(strings.TrimSpace(q.Keyword))

	matched := make([]SystemLogEntry, 0)
	for _, entry := range s.newestFirst() {
		if level != "" && entry.Level != level {
			continue
		}
		if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
			continue
		}
		if keyword != "" && !matchesKeyword(entry, keyword) {
			continue
		}
		matched = append(matched, entry)
	}

	out.Total = len(matched)
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return out
	}
	end := min(start+pageSize, len(matched))
	out.Items = matched[start:end]
	return out
}

func matchesKeyword(entry SystemLogEntry, keyword string) bool {
	if strings.Contains(strings.ToLower(entry.Message), keyword) {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Caller), keyword) {
		return true
	}
	return len(entry.Fields) > 0 && strings.Contains(strings.ToLower(fmt.Sprint(entry.Fields)), keyword)
}

func (s *SystemLogStore) record(entry zapcore.Entry, fields []zapcore.Field) {
	enc := zapcore.NewMapObjectEncoder()
	for _, field := range SanitizeFields(fields) {
		field.AddTo(enc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeq++
	item := SystemLogEntry{
		Seq:       s.lastSeq,
		Timestamp: entry.Time.UTC(),
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    enc.Fields,
	}
	if entry.Caller.Defined {
		item.Caller = entry.Caller.TrimmedPath()
	}
	if len(item.Fields) == 0 {
		item.Fields = nil
	}

	s.ring[s.head] = item
	s.head = (s.head + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

func (s *SystemLogStore) newestFirst() []SystemLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SystemLogEntry, 0, s.size)
	for i := 1; i <= s.size; i++ {
		idx := (s.head - i + len(s.ring)) % len(s.ring)
		out = append(out, s.ring[idx])
	}
	return out
}

type ringCore struct {
	zapcore.Core
	store *SystemLogStore
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	return &ringCore{Core: c.Core.With(fields), store: c.store}
}

func (c *ringCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(entry.Level) {
		return checked
	}
	return checked.AddCore(entry, c)
}

func (c *ringCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.store.record(entry, fields)
	return c.Core.Write(entry, fields)
}
