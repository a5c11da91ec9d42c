package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/store"
	"stockroom/backend/internal/store/storetest"
)

func TestRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		return New()
	})
}

func TestNewSeeded(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-secret")
	t.Setenv("SEED_DEMO_PASSWORD", "demo-secret")

	s, err := NewSeeded(zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	admin, err := s.GetUser(ctx, "ADMIN")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, admin.Role)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(admin.Password), []byte("admin-secret")))

	items, err := s.ListItems(ctx, "admin", 0)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "USB-C Cable", items[0].Name)
	assert.Equal(t, "Electronics", items[0].CategoryName)

	customers, err := s.ListCustomers(ctx)
	require.NoError(t, err)
	assert.Len(t, customers, 3)

	categories, err := s.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, categories, 3)
}

func TestNewSeededWarnsAboutDefaultCredentials(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "")
	t.Setenv("SEED_DEMO_PASSWORD", "")
	core, logs := observer.New(zap.WarnLevel)

	s, err := NewSeeded(zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet("default dev credentials").Len())

	demo, err := s.GetUser(context.Background(), "demo")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(demo.Password), []byte("demo1234")))
}

func TestReturnedSalesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	item, err := s.CreateItem(ctx, domain.InventoryItem{Name: "Pen", Quantity: 2, Owner: "demo"})
	require.NoError(t, err)
	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: "Gil"})
	require.NoError(t, err)

	sale, err := s.CreateSale(ctx, domain.Sale{
		CustomerID: customer.ID,
		Lines:      []domain.SaleLineItem{{ItemID: item.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	sale.Lines[0].Quantity = 99

	stored, err := s.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Lines[0].Quantity)
}
