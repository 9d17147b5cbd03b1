package vesting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// PctBase is 100% in UpfrontPct units.
const PctBase uint64 = 10_000_000_000

var (
	ErrInvalidSchedule   = errors.New("invalid vesting schedule")
	ErrNothingPerPeriod  = errors.New("vested amount per period must be greater than zero")
	ErrUnknownPeriodUnit = errors.New("unknown period unit")
)

type PeriodUnit uint8

const (
	Day PeriodUnit = iota
	Week
	Month
)

// Seconds is the fixed length of one period. A month is 30 days.
func (u PeriodUnit) Seconds() uint64 {
	switch u {
	case Week:
		return 7 * 24 * 60 * 60
	case Month:
		return 30 * 24 * 60 * 60
	default:
		return 24 * 60 * 60
	}
}

func (u PeriodUnit) Duration() time.Duration {
	return time.Duration(u.Seconds()) * time.Second
}

func (u PeriodUnit) String() string {
	switch u {
	case Day:
		return "day"
	case Week:
		return "week"
	case Month:
		return "month"
	default:
		return fmt.Sprintf("unit(%d)", uint8(u))
	}
}

func ParsePeriodUnit(s string) (PeriodUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "days", "":
		return Day, nil
	case "week", "weeks":
		return Week, nil
	case "month", "months":
		return Month, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPeriodUnit, s)
	}
}

func (u PeriodUnit) MarshalText() ([]byte, error) {
	if u > Month {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeriodUnit, uint8(u))
	}
	return []byte(u.String()), nil
}

func (u *PeriodUnit) UnmarshalText(text []byte) error {
	parsed, err := ParsePeriodUnit(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Schedule is immutable once a position is created with it.
type Schedule struct {
	UpfrontPct        uint64     `json:"upfront_pct" yaml:"upfront_pct"`
	PeriodUnit        PeriodUnit `json:"period_unit" yaml:"period_unit"`
	DurationInPeriods uint32     `json:"duration_in_periods" yaml:"duration_in_periods"`
	CliffInPeriods    uint32     `json:"cliff_in_periods" yaml:"cliff_in_periods"`
}

func (s Schedule) Validate() error {
	if s.UpfrontPct > PctBase {
		return fmt.Errorf("%w: upfront %d exceeds %d", ErrInvalidSchedule, s.UpfrontPct, PctBase)
	}
	if s.CliffInPeriods > s.DurationInPeriods {
		return fmt.Errorf("%w: cliff %d exceeds duration %d", ErrInvalidSchedule, s.CliffInPeriods, s.DurationInPeriods)
	}
	if s.PeriodUnit > Month {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, ErrUnknownPeriodUnit)
	}
	return nil
}

// Immediate reports whether a claim under s releases everything at once and
// needs no position.
func (s Schedule) Immediate() bool {
	return (s.DurationInPeriods == 0 && s.CliffInPeriods == 0) || s.UpfrontPct == PctBase
}

// UpfrontAmount is total * UpfrontPct / PctBase, rounded down.
func (s Schedule) UpfrontAmount(total *uint256.Int) *uint256.Int {
	if s.UpfrontPct == 0 {
		return new(uint256.Int)
	}
	if s.UpfrontPct >= PctBase {
		return new(uint256.Int).Set(total)
	}
	upfront, _ := new(uint256.Int).MulDivOverflow(total, uint256.NewInt(s.UpfrontPct), uint256.NewInt(PctBase))
	return upfront
}

// checkPerPeriod rejects positions whose linear remainder would release
// nothing in a single period.
func (s Schedule) checkPerPeriod(total *uint256.Int) error {
	if s.DurationInPeriods == 0 {
		return nil
	}
	linear := new(uint256.Int).Sub(total, s.UpfrontAmount(total))
	if linear.IsZero() {
		return nil
	}
	if linear.Lt(uint256.NewInt(uint64(s.DurationInPeriods))) {
		return fmt.Errorf("%w: %s over %d periods", ErrNothingPerPeriod, linear.Dec(), s.DurationInPeriods)
	}
	return nil
}
