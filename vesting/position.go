package vesting

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type Status uint8

const (
	Active Status = iota
	FullyClaimed
	Revoked
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case FullyClaimed:
		return "fully_claimed"
	case Revoked:
		return "revoked"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Position tracks how much of one claimed allocation has been released.
// TotalAmount, StartTime and Schedule never change after creation.
type Position struct {
	ID             uint64
	Beneficiary    common.Address
	TotalAmount    *uint256.Int
	StartTime      time.Time
	AmountClaimed  *uint256.Int
	PeriodsClaimed uint32
	Schedule       Schedule
	Status         Status
	Version        uint64
}

func (p Position) Clone() Position {
	out := p
	if p.TotalAmount != nil {
		out.TotalAmount = new(uint256.Int).Set(p.TotalAmount)
	}
	if p.AmountClaimed != nil {
		out.AmountClaimed = new(uint256.Int).Set(p.AmountClaimed)
	}
	return out
}

func (p Position) Terminal() bool {
	return p.Status != Active
}

// Unclaimed is TotalAmount - AmountClaimed.
func (p Position) Unclaimed() *uint256.Int {
	return new(uint256.Int).Sub(p.TotalAmount, p.AmountClaimed)
}

// Vested evaluates the schedule for this position at now.
func (p Position) Vested(now time.Time) *uint256.Int {
	return VestedAmount(p.Schedule, p.TotalAmount, p.StartTime, now)
}

// RecordSize is the length of the fixed-stride binary encoding.
const RecordSize = 8 + common.AddressLength + 32 + 8 + 32 + 4 + 1 + 8 + 1 + 4 + 4 + 8

func (p Position) MarshalBinary() ([]byte, error) {
	if p.TotalAmount == nil || p.AmountClaimed == nil {
		return nil, fmt.Errorf("position %d: amounts not set", p.ID)
	}
	buf := make([]byte, RecordSize)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], p.ID)
	off += 8
	copy(buf[off:], p.Beneficiary.Bytes())
	off += common.AddressLength
	total := p.TotalAmount.Bytes32()
	copy(buf[off:], total[:])
	off += 32
	binary.BigEndian.PutUint64(buf[off:], uint64(p.StartTime.Unix()))
	off += 8
	claimed := p.AmountClaimed.Bytes32()
	copy(buf[off:], claimed[:])
	off += 32
	binary.BigEndian.PutUint32(buf[off:], p.PeriodsClaimed)
	off += 4
	buf[off] = byte(p.Status)
	off++
	binary.BigEndian.PutUint64(buf[off:], p.Schedule.UpfrontPct)
	off += 8
	buf[off] = byte(p.Schedule.PeriodUnit)
	off++
	binary.BigEndian.PutUint32(buf[off:], p.Schedule.DurationInPeriods)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.Schedule.CliffInPeriods)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], p.Version)
	return buf, nil
}

func (p *Position) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("position record is %d bytes, want %d", len(data), RecordSize)
	}
	off := 0
	p.ID = binary.BigEndian.Uint64(data[off:])
	off += 8
	p.Beneficiary = common.BytesToAddress(data[off : off+common.AddressLength])
	off += common.AddressLength
	p.TotalAmount = new(uint256.Int).SetBytes32(data[off : off+32])
	off += 32
	p.StartTime = time.Unix(int64(binary.BigEndian.Uint64(data[off:])), 0).UTC()
	off += 8
	p.AmountClaimed = new(uint256.Int).SetBytes32(data[off : off+32])
	off += 32
	p.PeriodsClaimed = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.Status = Status(data[off])
	off++
	p.Schedule.UpfrontPct = binary.BigEndian.Uint64(data[off:])
	off += 8
	p.Schedule.PeriodUnit = PeriodUnit(data[off])
	off++
	p.Schedule.DurationInPeriods = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.Schedule.CliffInPeriods = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.Version = binary.BigEndian.Uint64(data[off:])
	return nil
}
