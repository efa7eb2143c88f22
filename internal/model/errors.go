package model

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Validation errors: rejected synchronously, never retried.
	ErrInvalidStake  = errors.New("stake must be a positive integer")
	ErrInvalidSide   = errors.New("side must be YES or NO")
	ErrInvalidMarket = errors.New("invalid market definition")
	ErrInvalidUser   = errors.New("user_id is required")
	ErrMarketClosed  = errors.New("market is not open for betting")
	ErrStakeLimit    = errors.New("stake limit exceeded")
)
