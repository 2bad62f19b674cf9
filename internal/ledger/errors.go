package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Typed errors for programmatic handling
var (
	ErrInvalidPrivateKey     = errors.New("ledger: invalid private key")
	ErrInvalidAddress        = errors.New("ledger: invalid address")
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrInvalidRegion         = errors.New("ledger: invalid region")
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInsufficientAllowance = errors.New("ledger: insufficient token allowance")
	ErrReverted              = errors.New("ledger: transaction reverted")
	ErrTransactionFailed     = errors.New("ledger: transaction failed")
	ErrTimeout               = errors.New("ledger: operation timed out")
	ErrRPCConnection         = errors.New("ledger: RPC connection failed")
	ErrPoolMismatch          = errors.New("ledger: factory returned different address for pool")
)

// TxError wraps on-chain failures with the operation and, when one was
// broadcast, the transaction hash.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// translate maps raw node error strings onto the typed errors above so
// callers can branch without substring checks of their own.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "insufficient allowance"):
		return fmt.Errorf("%w: %v", ErrInsufficientAllowance, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", ErrReverted, err)
	case strings.Contains(msg, "invalid address"):
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	default:
		return err
	}
}
