package handlers

import "time"

type ClaimRequest struct {
	Index   *uint64  `json:"index" binding:"required"`
	Account string   `json:"account" binding:"required"`
	Amount  string   `json:"amount" binding:"required"`
	Proof   []string `json:"proof"`
}

type ClaimResponse struct {
	Index    uint64            `json:"index"`
	Account  string            `json:"account"`
	Amount   string            `json:"amount"`
	Released string            `json:"released"`
	Position *PositionResponse `json:"position,omitempty"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

type ProofResponse struct {
	Index   uint64   `json:"index"`
	Account string   `json:"account"`
	Amount  string   `json:"amount"`
	Proof   []string `json:"proof"`
	Root    string   `json:"root"`
}

type ClaimedResponse struct {
	Index   uint64 `json:"index"`
	Claimed bool   `json:"claimed"`
}

type ScheduleResponse struct {
	UpfrontPct        uint64 `json:"upfront_pct"`
	PeriodUnit        string `json:"period_unit"`
	DurationInPeriods uint32 `json:"duration_in_periods"`
	CliffInPeriods    uint32 `json:"cliff_in_periods"`
}

type PositionResponse struct {
	ID             uint64           `json:"id"`
	Beneficiary    string           `json:"beneficiary"`
	TotalAmount    string           `json:"total_amount"`
	AmountClaimed  string           `json:"amount_claimed"`
	Vested         string           `json:"vested,omitempty"`
	PeriodsClaimed uint32           `json:"periods_claimed"`
	StartTime      time.Time        `json:"start_time"`
	Status         string           `json:"status"`
	Version        uint64           `json:"version"`
	Schedule       ScheduleResponse `json:"schedule"`
}

type ReleaseResponse struct {
	ID       uint64           `json:"id"`
	To       string           `json:"to"`
	Amount   string           `json:"amount"`
	Position PositionResponse `json:"position"`
}

type TransferRequest struct {
	Beneficiary string `json:"beneficiary" binding:"required"`
}

type RevokeRequest struct {
	RefundTo string `json:"refund_to" binding:"required"`
}

type RevokeResponse struct {
	ID       uint64           `json:"id"`
	Released string           `json:"released"`
	Refunded string           `json:"refunded"`
	Position PositionResponse `json:"position"`
}

type WithdrawRequest struct {
	To string `json:"to" binding:"required"`
}

type WithdrawResponse struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type TreeClaim struct {
	Index  uint64   `json:"index"`
	Amount string   `json:"amount"`
	Proof  []string `json:"proof"`
}

type BuildResponse struct {
	Root   string               `json:"root"`
	Total  string               `json:"total"`
	Claims map[string]TreeClaim `json:"claims"`
}

type StatsResponse struct {
	Root         string `json:"root"`
	Entries      uint64 `json:"entries"`
	Claimed      uint64 `json:"claimed"`
	Total        string `json:"total"`
	ClaimedTotal string `json:"claimed_total"`
	Positions    int    `json:"positions"`
	Withdrawn    bool   `json:"withdrawn"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
