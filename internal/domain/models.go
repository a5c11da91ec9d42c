package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CategoryCreateRequest struct {
	Name string `json:"name"`
}

type InventoryItem struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	CategoryID   *string         `json:"category_id,omitempty"`
	CategoryName string          `json:"category_name,omitempty"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Owner        string          `json:"owner"`
	CreatedAt    time.Time       `json:"created_at"`
}

type ItemCreateRequest struct {
	Name       string          `json:"name"`
	CategoryID *string         `json:"category_id,omitempty"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

// ItemUpdateRequest carries a partial edit; nil fields are left untouched.
// ClearCategory detaches the item from its category.
type ItemUpdateRequest struct {
	Name          *string          `json:"name,omitempty"`
	CategoryID    *string          `json:"category_id,omitempty"`
	ClearCategory bool             `json:"clear_category,omitempty"`
	Quantity      *int             `json:"quantity,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name string `json:"name"`
}

type Sale struct {
	ID           string         `json:"id"`
	CustomerID   string         `json:"customer_id"`
	CustomerName string         `json:"customer_name"`
	SoldBy       string         `json:"sold_by"`
	CreatedAt    time.Time      `json:"created_at"`
	Lines        []SaleLineItem `json:"lines"`
}

// Total is the sum of quantity x unit price over the sale lines.
func (s Sale) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.Lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

type SaleLineItem struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	ItemID    string          `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l SaleLineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Selection struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type SaleRequest struct {
	CustomerID      string      `json:"customer_id"`
	Selections      []Selection `json:"selections"`
	SubmissionToken string      `json:"submission_token,omitempty"`
}

type SaleReceipt struct {
	Sale         Sale            `json:"sale"`
	Total        decimal.Decimal `json:"total"`
	TotalDisplay string          `json:"total_display"`
	Message      string          `json:"message"`
}

// SaleForm is what a seller needs to fill in a sale: their sellable items
// and every customer.
type SaleForm struct {
	Items     []InventoryItem `json:"items"`
	Customers []Customer      `json:"customers"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username  string `json:"username"`
	Password1 string `json:"password1"`
	Password2 string `json:"password2"`
}

type ChangePasswordRequest struct {
	OldPassword  string `json:"old_password"`
	NewPassword1 string `json:"new_password1"`
	NewPassword2 string `json:"new_password2"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
