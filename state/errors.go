package state

import "github.com/pkg/errors"

var (
	ErrInvalidBlock       = errors.New("invalid block")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnknownTransaction = errors.New("unknown transaction type")
)
