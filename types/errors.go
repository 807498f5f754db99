package types

import "errors"

// ErrInsufficientBalance is returned when a debit would drive an account
// balance below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")
