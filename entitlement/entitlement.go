package entitlement

import (
	"math"
	"time"

	"ProPass/common"
)

// Status is the lifecycle state of a user's professional entitlement.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Sources recorded on the entitlement row
const (
	SourceReceipt = "receipt"
	SourceWebhook = "webhook"
	SourceDirect  = "direct"
)

// rank orders downgrades of the same transaction: active < expired < cancelled.
func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusExpired:
		return 1
	default:
		return 2
	}
}

// Record is the persisted per-user entitlement. Revoked marks a refunded or revoked
// transaction, which is never reactivated.
type Record struct {
	UserID              int
	IsActive            bool
	Status              Status
	StartedAt           *time.Time
	ExpiresAt           *time.Time
	CorrelationKey      string
	LatestTransactionID string
	LatestPurchaseAt    *time.Time
	ProductID           string
	Source              string
	Revoked             bool
	UpdatedAt           time.Time
}

// ActiveAt reports whether the record grants access at now.
func (r *Record) ActiveAt(now time.Time) bool {
	if r == nil || r.Status != StatusActive {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// Summary is the public view of an entitlement.
type Summary struct {
	Status        Status  `json:"status"`
	IsActive      bool    `json:"is_active"`
	StartedAt     *string `json:"started_at"`
	ExpiresAt     *string `json:"expires_at"`
	DaysRemaining int     `json:"days_remaining"`
	ProductID     string  `json:"product_id,omitempty"`
}

// Summary builds the public view at now. A nil record is an empty, expired entitlement.
func (r *Record) Summary(now time.Time) Summary {
	if r == nil {
		return Summary{Status: StatusExpired}
	}
	s := Summary{
		Status:    r.Status,
		IsActive:  r.ActiveAt(now),
		StartedAt: common.FormatOptionalTimestamp(r.StartedAt),
		ExpiresAt: common.FormatOptionalTimestamp(r.ExpiresAt),
		ProductID: r.ProductID,
	}
	if s.Status == "" {
		s.Status = StatusExpired
	}
	if s.IsActive && r.ExpiresAt != nil {
		s.DaysRemaining = int(math.Ceil(r.ExpiresAt.Sub(now).Hours() / 24))
	}
	return s
}

// Update is the full next state written by the store in one statement.
type Update struct {
	Status         Status
	IsActive       bool
	StartedAt      *time.Time
	ExpiresAt      *time.Time
	CorrelationKey string
	TransactionID  string
	PurchasedAt    time.Time
	ProductID      string
	Source         string
	Revoked        bool
}

// Apply returns the record u produces for userID.
func (u Update) Apply(userID int, now time.Time) Record {
	purchased := u.PurchasedAt
	return Record{
		UserID:              userID,
		IsActive:            u.IsActive,
		Status:              u.Status,
		StartedAt:           u.StartedAt,
		ExpiresAt:           u.ExpiresAt,
		CorrelationKey:      u.CorrelationKey,
		LatestTransactionID: u.TransactionID,
		LatestPurchaseAt:    &purchased,
		ProductID:           u.ProductID,
		Source:              u.Source,
		Revoked:             u.Revoked,
		UpdatedAt:           now,
	}
}
