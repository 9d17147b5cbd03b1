package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"merkle-vesting-service/authz"
	"merkle-vesting-service/merkle"
	"merkle-vesting-service/service"
	"merkle-vesting-service/vesting"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
)

// CallerHeader carries the opaque account id of the caller.
const CallerHeader = "X-Account"

type Handler struct {
	svc   *service.Distributor
	authz *authz.Authorizer
}

func NewHandler(svc *service.Distributor, az *authz.Authorizer) *Handler {
	return &Handler{svc: svc, authz: az}
}

func (h *Handler) Register(router gin.IRoutes) {
	router.GET("/health", h.Health)
	router.GET("/root", h.Root)
	router.GET("/stats", h.Stats)
	router.GET("/proofs/:index", h.Proof)
	router.POST("/verify", h.Verify)
	router.GET("/claims/:index", h.IsClaimed)
	router.POST("/claims", h.Claim)
	router.GET("/positions", h.ListPositions)
	router.GET("/positions/:id", h.GetPosition)
	router.POST("/positions/:id/claim", h.ClaimVested)
	router.POST("/positions/:id/transfer", h.TransferBeneficiary)
	router.POST("/positions/:id/revoke", h.Revoke)
	router.POST("/withdraw", h.Withdraw)
	router.POST("/trees", h.BuildTree)
	router.GET("/trees/:root", h.GetTree)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"root": h.svc.Root().Hex()})
}

func (h *Handler) Stats(c *gin.Context) {
	s := h.svc.Stats()
	c.JSON(http.StatusOK, StatsResponse{
		Root:         s.Root.Hex(),
		Entries:      s.Entries,
		Claimed:      s.Claimed,
		Total:        s.Total.Dec(),
		ClaimedTotal: s.ClaimedTotal.Dec(),
		Positions:    s.Positions,
		Withdrawn:    s.Withdrawn,
	})
}

func (h *Handler) Proof(c *gin.Context) {
	index, ok := uintParam(c, "index")
	if !ok {
		return
	}
	entry, proof, err := h.svc.Proof(index)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProofResponse{
		Index:   entry.Index,
		Account: entry.Account.Hex(),
		Amount:  entry.Amount.Dec(),
		Proof:   hashStrings(proof),
		Root:    h.svc.Root().Hex(),
	})
}

func (h *Handler) Verify(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	account, amount, proof, err := parseClaim(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, VerifyResponse{Valid: h.svc.VerifyProof(*req.Index, account, amount, proof)})
}

func (h *Handler) IsClaimed(c *gin.Context) {
	index, ok := uintParam(c, "index")
	if !ok {
		return
	}
	claimed, err := h.svc.IsIndexClaimed(index)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ClaimedResponse{Index: index, Claimed: claimed})
}

func (h *Handler) Claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	account, amount, proof, err := parseClaim(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	res, err := h.svc.Claim(c.Request.Context(), *req.Index, account, amount, proof)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := ClaimResponse{
		Index:    res.Index,
		Account:  res.Account.Hex(),
		Amount:   res.Amount.Dec(),
		Released: res.Released.Dec(),
	}
	if res.Position != nil {
		p := positionResponse(*res.Position, nil)
		resp.Position = &p
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ListPositions(c *gin.Context) {
	positions := h.svc.Positions()
	out := make([]PositionResponse, len(positions))
	for i, p := range positions {
		out[i] = positionResponse(p, nil)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetPosition(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	pos, err := h.svc.GetPosition(id)
	if err != nil {
		writeError(c, err)
		return
	}
	vested, err := h.svc.Vested(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, positionResponse(pos, vested))
}

func (h *Handler) ClaimVested(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	rel, err := h.svc.ClaimVested(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ReleaseResponse{
		ID:       id,
		To:       rel.To.Hex(),
		Amount:   rel.Amount.Dec(),
		Position: positionResponse(rel.Position, nil),
	})
}

func (h *Handler) TransferBeneficiary(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	beneficiary, err := parseAccount(req.Beneficiary)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	pos, err := h.svc.GetPosition(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.authorize(c, authz.ActionTransfer, pos.Beneficiary) {
		return
	}

	updated, err := h.svc.TransferBeneficiary(c.Request.Context(), id, pos.Beneficiary, beneficiary)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, positionResponse(updated, nil))
}

func (h *Handler) Revoke(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	refundTo, err := parseAccount(req.RefundTo)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	pos, err := h.svc.GetPosition(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.authorize(c, authz.ActionRevoke, pos.Beneficiary) {
		return
	}

	rev, err := h.svc.Revoke(c.Request.Context(), id, refundTo)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RevokeResponse{
		ID:       id,
		Released: rev.Released.Dec(),
		Refunded: rev.Refunded.Dec(),
		Position: positionResponse(rev.Position, nil),
	})
}

func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	to, err := parseAccount(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if !h.authorize(c, authz.ActionWithdraw, common.Address{}) {
		return
	}

	res, err := h.svc.WithdrawUnclaimed(c.Request.Context(), to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, WithdrawResponse{To: res.To.Hex(), Amount: res.Amount.Dec()})
}

// BuildTree builds a tree from the request body. The format query parameter
// selects the allocation source reader.
func (h *Handler) BuildTree(c *gin.Context) {
	format := c.DefaultQuery("format", service.FormatBalanceMap)
	dist, err := h.svc.BuildTree(c.Request.Context(), format, c.Request.Body)
	if err != nil {
		writeError(c, err)
		return
	}

	claims := make(map[string]TreeClaim, len(dist.Claims))
	for account, claim := range dist.Claims {
		claims[account.Hex()] = TreeClaim{
			Index:  claim.Index,
			Amount: claim.Amount.Dec(),
			Proof:  hashStrings(claim.Proof),
		}
	}
	c.JSON(http.StatusCreated, BuildResponse{
		Root:   dist.Root.Hex(),
		Total:  dist.Total.Dec(),
		Claims: claims,
	})
}

func (h *Handler) GetTree(c *gin.Context) {
	raw := c.Param("root")
	b := common.FromHex(raw)
	if len(b) != common.HashLength {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "root must be a 32-byte hex string"})
		return
	}
	tree, err := h.svc.GetTree(c.Request.Context(), common.BytesToHash(b))
	if err != nil {
		writeError(c, err)
		return
	}
	data, err := json.Marshal(tree)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (h *Handler) authorize(c *gin.Context, action authz.Action, beneficiary common.Address) bool {
	caller, err := parseAccount(c.GetHeader(CallerHeader))
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: fmt.Sprintf("%s header: %v", CallerHeader, err)})
		return false
	}
	err = h.authz.Authorize(c.Request.Context(), authz.Request{
		Action:      action,
		Caller:      caller,
		Beneficiary: beneficiary,
	})
	if err != nil {
		writeError(c, err)
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUnknownIndex),
		errors.Is(err, service.ErrTreeNotFound),
		errors.Is(err, vesting.ErrPositionNotFound),
		errors.Is(err, merkle.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyClaimed),
		errors.Is(err, service.ErrAlreadyWithdrawn),
		errors.Is(err, service.ErrClaimWindowOpen),
		errors.Is(err, service.ErrClaimWindowClosed),
		errors.Is(err, vesting.ErrDuplicatePosition),
		errors.Is(err, vesting.ErrNothingVested),
		errors.Is(err, vesting.ErrAlreadyFullyClaimed),
		errors.Is(err, vesting.ErrAlreadyTerminal),
		errors.Is(err, vesting.ErrBeneficiaryChanged):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidProof),
		errors.Is(err, service.ErrBadAllocation),
		errors.Is(err, service.ErrInvalidAccount),
		errors.Is(err, vesting.ErrInvalidSchedule),
		errors.Is(err, vesting.ErrNothingPerPeriod),
		errors.Is(err, vesting.ErrInvalidBeneficiary),
		errors.Is(err, vesting.ErrZeroAmount),
		errors.Is(err, merkle.ErrEmptyTree),
		errors.Is(err, merkle.ErrZeroAmount),
		errors.Is(err, merkle.ErrDuplicateAccount):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrLedgerTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return v, true
}

func parseAccount(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid account %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseClaim(req ClaimRequest) (common.Address, *uint256.Int, []common.Hash, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		return common.Address{}, nil, nil, fmt.Errorf("invalid amount: %w", err)
	}
	proof := make([]common.Hash, len(req.Proof))
	for i, s := range req.Proof {
		b := common.FromHex(s)
		if len(b) != common.HashLength {
			return common.Address{}, nil, nil, fmt.Errorf("proof element %d is not 32 bytes", i)
		}
		proof[i] = common.BytesToHash(b)
	}
	return account, amount, proof, nil
}

func hashStrings(hashes []common.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Hex()
	}
	return out
}

func positionResponse(p vesting.Position, vested *uint256.Int) PositionResponse {
	resp := PositionResponse{
		ID:             p.ID,
		Beneficiary:    p.Beneficiary.Hex(),
		TotalAmount:    p.TotalAmount.Dec(),
		AmountClaimed:  p.AmountClaimed.Dec(),
		PeriodsClaimed: p.PeriodsClaimed,
		StartTime:      p.StartTime,
		Status:         p.Status.String(),
		Version:        p.Version,
		Schedule: ScheduleResponse{
			UpfrontPct:        p.Schedule.UpfrontPct,
			PeriodUnit:        p.Schedule.PeriodUnit.String(),
			DurationInPeriods: p.Schedule.DurationInPeriods,
			CliffInPeriods:    p.Schedule.CliffInPeriods,
		},
	}
	if vested != nil {
		resp.Vested = vested.Dec()
	}
	return resp
}
