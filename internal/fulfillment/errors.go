package fulfillment

import "errors"

// Capacity errors are retryable: the saga guarantees no mutation
// survived when one of these is returned.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNoAgentAvailable  = errors.New("no delivery agent available")
)

// ErrInvalidOrder marks validation failures caught before any write.
var ErrInvalidOrder = errors.New("invalid order")

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrFarmerNotFound    = errors.New("farmer not found")
	ErrDeliveryNotFound  = errors.New("delivery not found")
	ErrAgentAtCapacity   = errors.New("agent at capacity")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrOrderNotPending   = errors.New("order is not pending")
)
