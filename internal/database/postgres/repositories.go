package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bardlex/minesync/internal/mining"
	"github.com/bardlex/minesync/pkg/errors"
)

// ProfileRepository handles profile-related database operations
type ProfileRepository struct {
	db       *sql.DB
	baseRate float64
}

// NewProfileRepository creates a new profile repository. baseRate seeds new
// profiles and referral rate recomputation.
func NewProfileRepository(db *sql.DB, baseRate float64) *ProfileRepository {
	return &ProfileRepository{db: db, baseRate: baseRate}
}

// FetchProfile retrieves a profile by user id
func (r *ProfileRepository) FetchProfile(ctx context.Context, userID string) (*Profile, error) {
	query := `
		SELECT user_id, balance, rate, referral_count, created_at, updated_at
		FROM profiles WHERE user_id = $1`

	p := &Profile{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.Balance, &p.Rate, &p.ReferralCount, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New(errors.ErrorTypeNotFound, "fetch_profile", "profile not found").
				WithContext("user_id", userID)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return p, nil
}

// EnsureProfile creates an empty profile if none exists and returns the stored row
func (r *ProfileRepository) EnsureProfile(ctx context.Context, userID string) (*Profile, error) {
	query := `
		INSERT INTO profiles (user_id, balance, rate, referral_count, created_at, updated_at)
		VALUES ($1, 0, $2, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, userID, r.baseRate, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to ensure profile: %w", err)
	}

	return r.FetchProfile(ctx, userID)
}

// PushProfile stores a merged balance. The stored balance never decreases;
// rate and referral count are owned by the server and are not written here.
func (r *ProfileRepository) PushProfile(ctx context.Context, userID string, balance float64, savedAt time.Time) error {
	query := `
		INSERT INTO profiles (user_id, balance, rate, referral_count, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = GREATEST(profiles.balance, EXCLUDED.balance),
		    updated_at = GREATEST(profiles.updated_at, EXCLUDED.updated_at)`

	if _, err := r.db.ExecContext(ctx, query, userID, balance, r.baseRate, savedAt); err != nil {
		return fmt.Errorf("failed to push profile: %w", err)
	}

	return nil
}

// RecordReferral stores that refereeID joined through referrerID and
// recomputes the referrer's rate, all in one transaction. It returns the
// referrer's updated profile.
func (r *ProfileRepository) RecordReferral(ctx context.Context, referrerID, refereeID string) (*Profile, error) {
	if referrerID == "" || refereeID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "record_referral", "referrer and referee are required")
	}
	if referrerID == refereeID {
		return nil, errors.New(errors.ErrorTypeValidation, "record_referral", "users cannot refer themselves").
			WithContext("user_id", referrerID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin referral transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit is a no-op
		_ = tx.Rollback()
	}()

	now := time.Now()
	p := &Profile{}
	err = tx.QueryRowContext(ctx, `
		UPDATE profiles SET referral_count = referral_count + 1, updated_at = $2
		WHERE user_id = $1
		RETURNING user_id, balance, referral_count, created_at`,
		referrerID, now,
	).Scan(&p.UserID, &p.Balance, &p.ReferralCount, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New(errors.ErrorTypeNotFound, "record_referral", "referrer not found").
				WithContext("referrer_id", referrerID)
		}
		return nil, fmt.Errorf("failed to update referrer: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO referrals (referrer_id, referee_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (referee_id) DO NOTHING`,
		referrerID, refereeID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert referral: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "record_referral", "referee was already referred").
			WithContext("referee_id", refereeID)
	}

	p.Rate = mining.ComputeRate(r.baseRate, p.ReferralCount)
	p.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET rate = $2 WHERE user_id = $1`, referrerID, p.Rate); err != nil {
		return nil, fmt.Errorf("failed to update referrer rate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit referral: %w", err)
	}

	return p, nil
}

// ReferralRepository handles referral queries
type ReferralRepository struct {
	db *sql.DB
}

// NewReferralRepository creates a new referral repository
func NewReferralRepository(db *sql.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// ListByReferrer retrieves referrals made by a user with pagination
func (r *ReferralRepository) ListByReferrer(ctx context.Context, referrerID string, limit, offset int) ([]*Referral, error) {
	query := `
		SELECT id, referrer_id, referee_id, created_at
		FROM referrals
		WHERE referrer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, referrerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var referrals []*Referral
	for rows.Next() {
		ref := &Referral{}
		if err := rows.Scan(&ref.ID, &ref.ReferrerID, &ref.RefereeID, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		referrals = append(referrals, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating referrals: %w", err)
	}

	return referrals, nil
}
