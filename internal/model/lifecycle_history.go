package model

import "time"

type LifecycleHistoryEntry struct {
	ID        string    `db:"id" json:"id"`
	Info      *string   `db:"info" json:"info"`
	Date      time.Time `db:"date" json:"date"`
	UserID    *string   `db:"user_id" json:"user_id"`
	Log       *string   `db:"log" json:"log,omitempty"`
	HasLog    bool      `db:"-" json:"has_log"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
