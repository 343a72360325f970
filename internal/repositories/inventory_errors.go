package repositories

import "fmt"

// InventoryErrorCode enumerates repository error causes for stock operations.
type InventoryErrorCode string

const (
	// InventoryErrorInsufficientStock indicates requested quantity exceeds availability.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorProductNotFound indicates no stock record exists for the product.
	InventoryErrorProductNotFound InventoryErrorCode = "inventory_product_not_found"
)

// InventoryError wraps stock failures with the product and quantities involved.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	ProductID string
	Requested int
	Available int
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: product %s requested %d available %d", e.Code, e.ProductID, e.Requested, e.Available)
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInsufficientStockError reports that productID cannot cover the requested quantity.
func NewInsufficientStockError(op, productID string, requested, available int) *InventoryError {
	return &InventoryError{
		Op:        op,
		Code:      InventoryErrorInsufficientStock,
		ProductID: productID,
		Requested: requested,
		Available: available,
	}
}

// NewProductNotFoundError reports a missing stock record.
func NewProductNotFoundError(op, productID string, requested int) *InventoryError {
	return &InventoryError{
		Op:        op,
		Code:      InventoryErrorProductNotFound,
		ProductID: productID,
		Requested: requested,
	}
}
