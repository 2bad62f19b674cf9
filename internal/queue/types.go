// Package queue provides the work queues and topic bus that connect the
// routing and recovery pipelines.
//
// Queues carry raw JSON payloads: consumers decide whether a message is
// well-formed, so a poison message can be dropped without blocking the
// queue itself.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Recovery methods.
const (
	MethodBankAccount = "bank_account"
	MethodCreditCard  = "credit_card"
	MethodBlockchain  = "blockchain"
)

var (
	ErrMissingField  = errors.New("queue: missing required field")
	ErrInvalidAmount = errors.New("queue: amount must be positive")
)

// GeoLocation is an optional user location hint used to pick a fallback pool.
type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PaymentRequest is an inbound payment transaction. It is created at
// intake and immutable once queued; transient failures re-enqueue the
// original payload verbatim.
type PaymentRequest struct {
	ID                    string          `json:"transaction_id"`
	UserID                string          `json:"user_id"`
	MerchantAddress       string          `json:"merchant_address"`
	Amount                decimal.Decimal `json:"amount"`
	SelectedRail          string          `json:"selected_bank"`
	Geo                   *GeoLocation    `json:"user_geo_location,omitempty"`
	PreferredFallbackPool string          `json:"primary_pool_id_for_fallback,omitempty"`
	Timestamp             time.Time       `json:"timestamp"`
}

// Validate reports terminal input errors. A missing SelectedRail is not
// one of them: the routing pipeline treats it as transient and requeues.
func (p *PaymentRequest) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: transaction_id", ErrMissingField)
	}
	if p.MerchantAddress == "" {
		return fmt.Errorf("%w: merchant_address", ErrMissingField)
	}
	if !p.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// RecoveryItem is a deferred payment awaiting rail recovery or an
// on-chain unstake. RecoveryID defaults to the originating payment id.
type RecoveryItem struct {
	RecoveryID      string          `json:"recovery_id"`
	Method          string          `json:"method"`
	SelectedRail    string          `json:"selected_bank,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	MerchantAddress string          `json:"merchant_address,omitempty"`
	Amount          decimal.Decimal `json:"amount"`

	// Blockchain-method payload.
	PoolIDForUnstake  string          `json:"pool_id_for_unstake,omitempty"`
	LPTokensToUnstake decimal.Decimal `json:"lp_tokens_to_unstake,omitempty"`

	// Attempts counts how many times the recovery pipeline has handled
	// this item. Used by the optional dead-letter policy.
	Attempts int `json:"attempts,omitempty"`
}

// NewRecoveryItem builds a bank-account recovery item from a deferred
// payment request.
func NewRecoveryItem(req *PaymentRequest) *RecoveryItem {
	return &RecoveryItem{
		RecoveryID:      req.ID,
		Method:          MethodBankAccount,
		SelectedRail:    req.SelectedRail,
		UserID:          req.UserID,
		MerchantAddress: req.MerchantAddress,
		Amount:          req.Amount,
	}
}

// LivenessEvent is an inbound rail availability sample.
type LivenessEvent struct {
	RailID    string `json:"bank_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// RecoveryStatusUpdate marks a recovery id as completed downstream.
type RecoveryStatusUpdate struct {
	RecoveryID string `json:"recovery_id"`
	Status     string `json:"status"`
}

// Encode marshals a message for queue or topic transport.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a queue payload into v. A failure here marks the
// payload as malformed; callers drop it rather than requeue.
func Decode(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}
