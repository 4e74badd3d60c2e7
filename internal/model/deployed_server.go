package model

import "time"

type DeployedServer struct {
	ID          int64   `db:"id" json:"id"`
	ServerID    string  `db:"serverid" json:"serverid"`
	UserID      string  `db:"user_id" json:"user_id"`
	Username    *string `db:"username" json:"username"`
	CloudName   *string `db:"cloudname" json:"cloudname"`
	ServerIP    string  `db:"serverip" json:"serverip"`
	ServerVIP   *string `db:"server_vip" json:"server_vip"`
	Role        string  `db:"role" json:"role"`
	LicenseCode *string `db:"license_code" json:"license_code"`
	NetworkConfig
	Datetime time.Time `db:"datetime" json:"datetime"`
}
