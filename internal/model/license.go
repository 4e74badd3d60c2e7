package model

import "strings"

type LicenseStatus string

const (
	LicenseStatusValidated LicenseStatus = "validated"
	LicenseStatusActivated LicenseStatus = "activated"
	LicenseStatusExpired   LicenseStatus = "expired"
)

type License struct {
	ID              int64         `db:"id" json:"id"`
	LicenseCode     string        `db:"license_code" json:"license_code"`
	LicenseType     *string       `db:"license_type" json:"license_type"`
	LicensePeriod   *string       `db:"license_period" json:"license_period"`
	LicenseStatus   LicenseStatus `db:"license_status" json:"license_status"`
	ServerID        *string       `db:"server_id" json:"server_id"`
	StartDate       *string       `db:"start_date" json:"start_date"`
	EndDate         *string       `db:"end_date" json:"end_date"`
	DisableEnforced bool          `db:"disable_enforced" json:"disable_enforced"`
}

// IsPerpetualType reports whether a license type denotes a non-expiring
// license. The misspelled "perpectual" is still issued by older key tooling.
func IsPerpetualType(licenseType string) bool {
	switch strings.ToLower(strings.TrimSpace(licenseType)) {
	case "perpetual", "perpectual":
		return true
	default:
		return false
	}
}

func (l *License) IsPerpetual() bool {
	if l == nil || l.LicenseType == nil {
		return false
	}
	return IsPerpetualType(*l.LicenseType)
}
