package model

import "errors"

var (
	// ErrProductNotFound is returned when a product id has no catalog row.
	ErrProductNotFound = errors.New("product not found")
	// ErrNoActiveSession is returned when a buyer has no purchase session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrOutOfStock is returned by key reservation when no unused key is left.
	ErrOutOfStock = errors.New("out of stock")
	// ErrPaymentIntegrity marks a confirmation whose payload does not match the catalog.
	ErrPaymentIntegrity = errors.New("payment integrity violation")
	// ErrDuplicatePayment marks a confirmation whose transaction id was already claimed.
	ErrDuplicatePayment = errors.New("duplicate payment")
)
