package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sazuyakun/Project-Aegis/internal/fallback"
	"github.com/sazuyakun/Project-Aegis/internal/ledger"
	"github.com/sazuyakun/Project-Aegis/internal/logging"
	"github.com/sazuyakun/Project-Aegis/internal/queue"
	"github.com/sazuyakun/Project-Aegis/internal/repay"
	"github.com/sazuyakun/Project-Aegis/internal/token"
)

// submitPayment accepts a payment request and enqueues it for routing.
// Responds 202: acceptance only means the request entered the queue.
func (s *Server) submitPayment(c *gin.Context) {
	var req queue.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	payload, err := queue.Encode(&req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "encode_failed",
			"message": err.Error(),
		})
		return
	}

	if err := s.inbound.Push(c.Request.Context(), payload); err != nil {
		logging.L(c.Request.Context()).Error("failed to enqueue payment",
			"transaction_id", req.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "queue_unavailable",
			"message": "could not accept the payment request",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"transaction_id": req.ID,
		"status":         "queued",
	})
}

type repaymentRequest struct {
	Rail string `json:"bank_id" binding:"required"`
}

// triggerRepayment forces a debt repayment run for a rail, the same
// run that fires automatically when the rail transitions to up.
func (s *Server) triggerRepayment(c *gin.Context) {
	var req repaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result := s.repayer.RepayAll(c.Request.Context(), req.Rail)
	status := http.StatusOK
	if result.Status == repay.StatusError {
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

type fallbackRequest struct {
	Merchant string          `json:"merchant_address" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

// triggerFallbackPayment pays a merchant from pool collateral without
// going through the routing pipeline.
func (s *Server) triggerFallbackPayment(c *gin.Context) {
	var req fallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	report, err := s.payer.Pay(c.Request.Context(), req.Merchant, req.Amount)
	if err != nil {
		c.JSON(fallbackErrorStatus(err), gin.H{
			"error":   "fallback_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

type stakeRequest struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// distributeStake spreads a stake across active pools using the
// inverse-liquidity plan.
func (s *Server) distributeStake(c *gin.Context) {
	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	report, err := s.staker.DistributeStake(c.Request.Context(), req.TotalAmount)
	if err != nil {
		c.JSON(fallbackErrorStatus(err), gin.H{
			"error":   "stake_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

type poolStakeRequest struct {
	Pool   string          `json:"pool_address" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// stakeInPool deposits a stake into one named pool, bypassing the
// inverse-liquidity plan.
func (s *Server) stakeInPool(c *gin.Context) {
	var req poolStakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !common.IsHexAddress(req.Pool) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "pool_address is not a valid address",
		})
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be positive",
		})
		return
	}

	hash, err := s.pools.Stake(c.Request.Context(), common.HexToAddress(req.Pool), token.ToUnits(req.Amount))
	if err != nil {
		c.JSON(ledgerErrorStatus(err), gin.H{
			"error":   "stake_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pool_address": common.HexToAddress(req.Pool).Hex(),
		"amount":       req.Amount,
		"tx_hash":      hash,
	})
}

type createPoolRequest struct {
	Region string `json:"region_name" binding:"required"`
}

// createPool registers a new regional pool with the on-chain factory.
func (s *Server) createPool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	hash, err := s.pools.CreatePool(c.Request.Context(), req.Region)
	if err != nil {
		c.JSON(ledgerErrorStatus(err), gin.H{
			"error":   "create_pool_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"region":  req.Region,
		"tx_hash": hash,
	})
}

// ledgerErrorStatus maps gateway errors the same way fallbackErrorStatus
// maps distributor errors.
func ledgerErrorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, ledger.ErrInvalidRegion):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// fallbackErrorStatus maps distributor errors to HTTP statuses:
// caller mistakes are 400, fund and pool shortfalls are 409, anything
// else is a gateway failure.
func fallbackErrorStatus(err error) int {
	switch {
	case errors.Is(err, fallback.ErrInvalidAmount),
		errors.Is(err, fallback.ErrInvalidMerchant):
		return http.StatusBadRequest
	case errors.Is(err, fallback.ErrNoCollateral),
		errors.Is(err, fallback.ErrExceedsCollateral),
		errors.Is(err, fallback.ErrInsufficientBalance),
		errors.Is(err, fallback.ErrNoActivePools):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// healthHandler reports rail statuses, worker liveness and subsystem
// checks. Unhealthy subsystems flip the response to 503; a down rail
// does not, rails being down is a state the engine handles.
func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	resp := gin.H{
		"status": "healthy",
		"rails":  s.registry.Snapshot(),
		"checks": statuses,
	}
	if s.workers != nil {
		resp["workers"] = s.workers.Running()
	}

	code := http.StatusOK
	if !healthy {
		resp["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
