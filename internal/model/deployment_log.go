package model

import "time"

type DeploymentStatus string

type DeploymentType string

const (
	DeploymentStatusProgress  DeploymentStatus = "progress"
	DeploymentStatusCompleted DeploymentStatus = "completed"
)

const (
	DeploymentTypeHost      DeploymentType = "host"
	DeploymentTypePrimary   DeploymentType = "primary"
	DeploymentTypeSecondary DeploymentType = "secondary"
)

// NetworkConfig carries the per-role interface addresses collected during
// network configuration. JSON keys match what the console UI posts.
type NetworkConfig struct {
	Management      *string `db:"management" json:"Management"`
	Storage         *string `db:"storage" json:"Storage"`
	ExternalTraffic *string `db:"external_traffic" json:"External_Traffic"`
	VXLAN           *string `db:"vxlan" json:"VXLAN"`
}

// Merge returns c with every field that is set in override replaced.
func (c NetworkConfig) Merge(override NetworkConfig) NetworkConfig {
	out := c
	if isSet(override.Management) {
		out.Management = override.Management
	}
	if isSet(override.Storage) {
		out.Storage = override.Storage
	}
	if isSet(override.ExternalTraffic) {
		out.ExternalTraffic = override.ExternalTraffic
	}
	if isSet(override.VXLAN) {
		out.VXLAN = override.VXLAN
	}
	return out
}

type DeploymentLog struct {
	ID        int64            `db:"id" json:"id"`
	ServerID  string           `db:"serverid" json:"serverid"`
	UserID    string           `db:"user_id" json:"user_id"`
	Username  *string          `db:"username" json:"username"`
	CloudName *string          `db:"cloudname" json:"cloudname"`
	ServerIP  string           `db:"serverip" json:"serverip"`
	Status    DeploymentStatus `db:"status" json:"status"`
	Type      DeploymentType   `db:"type" json:"type"`
	Role      *string          `db:"role" json:"role"`
	ServerVIP *string          `db:"server_vip" json:"server_vip"`
	NetworkConfig
	Datetime time.Time `db:"datetime" json:"datetime"`
}

func isSet(v *string) bool {
	return v != nil && *v != ""
}
