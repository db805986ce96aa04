package postgres

import (
	"time"

	"github.com/bardlex/minesync/internal/mining"
)

// Profile is the remote, authoritative copy of a user's mining profile
type Profile struct {
	UserID        string    `db:"user_id"`
	Balance       float64   `db:"balance"`
	Rate          float64   `db:"rate"`
	ReferralCount int       `db:"referral_count"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Remote converts the row into the shape the merge resolver consumes
func (p *Profile) Remote() mining.RemoteSnapshot {
	return mining.RemoteSnapshot{
		UserID:        p.UserID,
		Balance:       p.Balance,
		Rate:          p.Rate,
		ReferralCount: p.ReferralCount,
		UpdatedAt:     p.UpdatedAt,
	}
}

// Referral links a referee to the user who invited them
type Referral struct {
	ID         int64     `db:"id" json:"id"`
	ReferrerID string    `db:"referrer_id" json:"referrerId"`
	RefereeID  string    `db:"referee_id" json:"refereeId"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
