package mining

import "math"

const (
	// ReferralBonusFraction is the share of the base rate each referral adds.
	ReferralBonusFraction = 0.1
	// RateCapMultiplier bounds the effective rate at this multiple of the base rate.
	RateCapMultiplier = 3.0
)

// ComputeRate returns the effective coins-per-cycle rate for a base rate and
// a referral count. Negative counts are treated as zero.
func ComputeRate(baseRate float64, referralCount int) float64 {
	if referralCount < 0 {
		referralCount = 0
	}
	bonus := baseRate * ReferralBonusFraction
	return math.Min(baseRate+float64(referralCount)*bonus, baseRate*RateCapMultiplier)
}

// ComputeRateFloat is ComputeRate for counts that arrive as untyped JSON
// numbers. NaN, infinities and negatives count as zero referrals.
func ComputeRateFloat(baseRate, referrals float64) float64 {
	if math.IsNaN(referrals) || math.IsInf(referrals, 0) || referrals < 0 {
		referrals = 0
	}
	// anything past the cap is equivalent, so clamp before converting
	capCount := math.Ceil((RateCapMultiplier - 1) / ReferralBonusFraction)
	return ComputeRate(baseRate, int(math.Min(math.Floor(referrals), capCount)))
}
