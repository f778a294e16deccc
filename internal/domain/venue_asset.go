package domain

import "time"

// VenueAsset records whether an asset can move in and out of a venue.
type VenueAsset struct {
	Venue           Venue
	Asset           string
	DepositEnabled  bool
	WithdrawEnabled bool
	UpdatedAt       time.Time
}

// Transferable reports whether both deposits and withdrawals are open.
func (a VenueAsset) Transferable() bool {
	return a.DepositEnabled && a.WithdrawEnabled
}

// Credential is a user's API key pair for one venue. SecretKey is plaintext
// in memory and encrypted at rest.
type Credential struct {
	ID        int64
	UserID    int64
	Venue     Venue
	AccessKey string
	SecretKey string
	CreatedAt time.Time
}

// AlertSeverity ranks operator alerts.
type AlertSeverity string

const (
	SeverityWarn     AlertSeverity = "warn"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is an operator-facing event, distinct from user notifications.
type Alert struct {
	ID        int64
	Severity  AlertSeverity
	Component string
	Message   string
	Detail    map[string]any
	CreatedAt time.Time
}
