package models

const (
	QuotaScopeSender   = "sender"
	QuotaScopeCampaign = "campaign"
)

// QuotaUsage counts sends per scope and local calendar day. Rows are only
// changed through conditional increments.
type QuotaUsage struct {
	ID        uint   `gorm:"primaryKey"`
	Scope     string `gorm:"not null;size:16;uniqueIndex:idx_quota_key"`
	ScopeID   uint   `gorm:"not null;uniqueIndex:idx_quota_key"`
	Day       string `gorm:"not null;size:10;uniqueIndex:idx_quota_key"` // YYYY-MM-DD
	SentCount int    `gorm:"not null;default:0"`
}
