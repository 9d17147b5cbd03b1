package vesting

import (
	"time"

	"github.com/holiman/uint256"
)

// ElapsedPeriods counts whole periods between start and now, capped at the
// schedule duration. Times before start count as zero.
func ElapsedPeriods(s Schedule, start, now time.Time) uint32 {
	elapsed := now.Unix() - start.Unix()
	if elapsed <= 0 {
		return 0
	}
	periods := uint64(elapsed) / s.PeriodUnit.Seconds()
	if periods > uint64(s.DurationInPeriods) {
		return s.DurationInPeriods
	}
	return uint32(periods)
}

// CliffEnd is the first instant at which linear release may begin.
func CliffEnd(s Schedule, start time.Time) time.Time {
	return time.Unix(start.Unix()+int64(uint64(s.CliffInPeriods)*s.PeriodUnit.Seconds()), 0).UTC()
}

// VestedAmount is the cumulative amount unlocked at now. The upfront share is
// always vested; the linear remainder is zero until the cliff has passed and
// equals the full total once every period elapsed, so truncation dust is
// released in the last period.
func VestedAmount(s Schedule, total *uint256.Int, start, now time.Time) *uint256.Int {
	upfront := s.UpfrontAmount(total)
	if now.Unix() < CliffEnd(s, start).Unix() {
		return upfront
	}
	if s.DurationInPeriods == 0 {
		return new(uint256.Int).Set(total)
	}

	elapsed := ElapsedPeriods(s, start, now)
	if elapsed == s.DurationInPeriods {
		return new(uint256.Int).Set(total)
	}

	remainder := new(uint256.Int).Sub(total, upfront)
	linear, _ := new(uint256.Int).MulDivOverflow(
		remainder,
		uint256.NewInt(uint64(elapsed)),
		uint256.NewInt(uint64(s.DurationInPeriods)),
	)
	return linear.Add(linear, upfront)
}
