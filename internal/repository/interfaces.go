package repository

import (
	"context"
	"time"

	"deploy-console/internal/model"
)

type DeploymentLogFilter struct {
	Status    *model.DeploymentStatus `json:"status,omitempty"`
	Type      *model.DeploymentType   `json:"type,omitempty"`
	UserID    *string                 `json:"user_id,omitempty"`
	CloudName *string                 `json:"cloudname,omitempty"`
}

// DeploymentLogEntry is one activity log row to insert, optionally with the
// license code that should be bound to it in validated state.
type DeploymentLogEntry struct {
	Log     *model.DeploymentLog
	License *model.License
}

// LicenseActivation carries the dates computed for a license at finalize time.
type LicenseActivation struct {
	StartDate *time.Time
	EndDate   *time.Time
	// ClearPeriod nulls license_period, used for perpetual licenses.
	ClearPeriod bool
}

type FinalizeParams struct {
	// Role overrides the role stored on the activity log row.
	Role *string
	// DefaultRole is used when neither Role nor the log row carries one.
	DefaultRole string
	// Network fields that are set replace the ones from the log row.
	Network model.NetworkConfig
	// ActivateLicense computes activation dates for the license bound to the
	// server. A nil func activates without dates.
	ActivateLicense func(license model.License) LicenseActivation
}

type FinalizeOutcome struct {
	Log              *model.DeploymentLog
	Server           *model.DeployedServer
	LicenseCode      *string
	LicenseActivated bool
	ServerCreated    bool
	// Warnings holds the failures of non-critical steps that were rolled back
	// individually.
	Warnings []error
}

type DeploymentLogRepository interface {
	// CreateIfNoneInProgress inserts entry unless a progress row exists for the
	// same user, cloud and IP, in which case that row is returned with
	// created=false.
	CreateIfNoneInProgress(ctx context.Context, entry DeploymentLogEntry) (log *model.DeploymentLog, created bool, err error)
	CreateBatch(ctx context.Context, entries []DeploymentLogEntry) error
	UpdateStatus(ctx context.Context, serverID string, status model.DeploymentStatus) error
	List(ctx context.Context, filter DeploymentLogFilter) ([]*model.DeploymentLog, error)
	LatestInProgress(ctx context.Context, userID string, deploymentType model.DeploymentType) (*model.DeploymentLog, error)
	Finalize(ctx context.Context, serverID string, params FinalizeParams) (*FinalizeOutcome, error)
}

// ExpiredLicense is a license selected for enforcement together with the IP
// of the server it is bound to.
type ExpiredLicense struct {
	LicenseCode string
	ServerID    string
	ServerIP    string
}

type LicenseRepository interface {
	FindByCode(ctx context.Context, code string) (*model.License, error)
	LatestByServerID(ctx context.Context, serverID string) (*model.License, error)
	// Insert creates a license and binds it to the deployed server with the
	// same server id. Returns ErrConflict when the code already exists.
	Insert(ctx context.Context, license *model.License) error
	// ExpireDue flips activated licenses whose end date is before today to
	// expired and returns how many rows changed.
	ExpireDue(ctx context.Context, today time.Time) (int64, error)
	PendingEnforcement(ctx context.Context) ([]ExpiredLicense, error)
	MarkEnforced(ctx context.Context, serverIDs []string) (int64, error)
}

type DashboardCounts struct {
	CloudCount      int64 `json:"cloudCount"`
	FlightDeckCount int64 `json:"flightDeckCount"`
	SquadronCount   int64 `json:"squadronCount"`
}

type CloudSummary struct {
	CloudName     *string
	NodeCount     int64
	ServerIP      *string
	ServerVIP     *string
	FirstDeployed time.Time
}

type DeployedServerRepository interface {
	List(ctx context.Context, userID *string) ([]*model.DeployedServer, error)
	ListSquadron(ctx context.Context, userID string) ([]*model.DeployedServer, error)
	ListChildren(ctx context.Context, userID *string) ([]*model.DeployedServer, error)
	DashboardCounts(ctx context.Context, userID string) (DashboardCounts, error)
	// DistinctIPs returns every known server IP: completed host deployments
	// plus the deployed inventory.
	DistinctIPs(ctx context.Context) ([]string, error)
	CloudSummaries(ctx context.Context, userID string) ([]CloudSummary, error)
	EarliestByUser(ctx context.Context, userID string) (*model.DeployedServer, error)
	HostExists(ctx context.Context, userID string) (bool, error)
	FirstHostServerID(ctx context.Context, userID string) (string, error)
	CloudNameExists(ctx context.Context, cloudName string) (bool, error)
}

type UserRepository interface {
	EnsureDefault(ctx context.Context, user *model.User) error
	Upsert(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*model.User, error)
	MarkPasswordUpdated(ctx context.Context, id string) error
}

type LifecycleHistoryRepository interface {
	Upsert(ctx context.Context, entry *model.LifecycleHistoryEntry) error
	List(ctx context.Context, userID *string) ([]*model.LifecycleHistoryEntry, error)
	GetLog(ctx context.Context, id string) (*model.LifecycleHistoryEntry, error)
}
