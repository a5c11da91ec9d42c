package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockroom/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInUse             = errors.New("record is referenced by other records")
	ErrIntegrity         = errors.New("integrity constraint violated")
)

// InsufficientStockError names the item whose conditional decrement failed.
type InsufficientStockError struct {
	ItemID string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s", e.ItemID)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type CatalogStore interface {
	ListCategories(ctx context.Context) ([]domain.Category, error)
	GetCategory(ctx context.Context, id string) (*domain.Category, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	DeleteCategory(ctx context.Context, id string) error

	GetItem(ctx context.Context, id string) (*domain.InventoryItem, error)
	// ListItems returns the owner's items ordered by creation. Only items
	// with quantity strictly greater than minQuantity are returned; pass -1
	// for all of them.
	ListItems(ctx context.Context, owner string, minQuantity int) ([]domain.InventoryItem, error)
	CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	// SaveItem overwrites name, category and price. Quantity is written only
	// when setQuantity is true, so an edit that leaves it alone cannot undo a
	// concurrent sale.
	SaveItem(ctx context.Context, item domain.InventoryItem, setQuantity bool) (*domain.InventoryItem, error)
	DeleteItem(ctx context.Context, id string) error
}

type CustomerStore interface {
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
}

type SaleStore interface {
	// CreateSale persists the sale, its lines and the matching stock
	// decrements as one unit. Each line's UnitPrice and ItemName are taken
	// from the item as read inside the transaction. When an item no longer
	// has enough stock nothing is written and an *InsufficientStockError is
	// returned.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSalesSince(ctx context.Context, from time.Time) ([]domain.Sale, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogStore
	CustomerStore
	SaleStore
	UserStore
}
