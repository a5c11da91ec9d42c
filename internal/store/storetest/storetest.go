// Package storetest holds behaviour checks every store.Repository must pass.
// Fixtures use fresh ids so the suite also runs against shared databases.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/store"
	"stockroom/backend/internal/xid"
)

// Factory returns an empty (or at least isolated) repository for one test.
type Factory func(t *testing.T) store.Repository

func Run(t *testing.T, newRepo Factory) {
	t.Run("categories", func(t *testing.T) { testCategories(t, newRepo(t)) })
	t.Run("items", func(t *testing.T) { testItems(t, newRepo(t)) })
	t.Run("customers", func(t *testing.T) { testCustomers(t, newRepo(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, newRepo(t)) })
	t.Run("sale commits lines and stock", func(t *testing.T) { testSaleCommits(t, newRepo(t)) })
	t.Run("sale is all or nothing", func(t *testing.T) { testSaleAllOrNothing(t, newRepo(t)) })
	t.Run("sale rejects unknown references", func(t *testing.T) { testSaleUnknownRefs(t, newRepo(t)) })
	t.Run("concurrent sales of last unit", func(t *testing.T) { testConcurrentLastUnit(t, newRepo(t)) })
	t.Run("sales since", func(t *testing.T) { testSalesSince(t, newRepo(t)) })
}

func price(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func mustItem(t *testing.T, repo store.Repository, owner, name string, qty int, unit string) *domain.InventoryItem {
	t.Helper()
	item, err := repo.CreateItem(context.Background(), domain.InventoryItem{
		Name:     name,
		Quantity: qty,
		Price:    price(unit),
		Owner:    owner,
	})
	require.NoError(t, err)
	return item
}

func mustCustomer(t *testing.T, repo store.Repository, name string) *domain.Customer {
	t.Helper()
	customer, err := repo.CreateCustomer(context.Background(), domain.Customer{Name: name})
	require.NoError(t, err)
	return customer
}

func stockOf(t *testing.T, repo store.Repository, id string) int {
	t.Helper()
	item, err := repo.GetItem(context.Background(), id)
	require.NoError(t, err)
	return item.Quantity
}

func testCategories(t *testing.T, repo store.Repository) {
	ctx := context.Background()

	_, err := repo.CreateCategory(ctx, domain.Category{Name: "  "})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	cat, err := repo.CreateCategory(ctx, domain.Category{Name: "Tools"})
	require.NoError(t, err)
	require.NotEmpty(t, cat.ID)

	got, err := repo.GetCategory(ctx, cat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tools", got.Name)

	all, err := repo.ListCategories(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, *cat)

	owner := xid.New("owner")
	catID := cat.ID
	item, err := repo.CreateItem(ctx, domain.InventoryItem{Name: "Hammer", CategoryID: &catID, Quantity: 3, Price: price("25.00"), Owner: owner})
	require.NoError(t, err)
	assert.Equal(t, "Tools", item.CategoryName)

	require.NoError(t, repo.DeleteCategory(ctx, cat.ID))
	_, err = repo.GetCategory(ctx, cat.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, repo.DeleteCategory(ctx, cat.ID), store.ErrNotFound)

	detached, err := repo.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, detached.CategoryID)
	assert.Empty(t, detached.CategoryName)
}

func testItems(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	owner := xid.New("owner")
	other := xid.New("owner")

	_, err := repo.CreateItem(ctx, domain.InventoryItem{Name: "", Quantity: 1, Price: price("1"), Owner: owner})
	require.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = repo.CreateItem(ctx, domain.InventoryItem{Name: "Orphan", Quantity: 1, Price: price("1")})
	require.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = repo.CreateItem(ctx, domain.InventoryItem{Name: "Negative", Quantity: -1, Price: price("1"), Owner: owner})
	require.ErrorIs(t, err, store.ErrIntegrity)
	missing := xid.New("cat")
	_, err = repo.CreateItem(ctx, domain.InventoryItem{Name: "Lost", CategoryID: &missing, Quantity: 1, Price: price("1"), Owner: owner})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	first := mustItem(t, repo, owner, "Bolt", 10, "0.35")
	empty := mustItem(t, repo, owner, "Nut", 0, "0.10")
	third := mustItem(t, repo, owner, "Washer", 4, "0.05")
	mustItem(t, repo, other, "Screw", 9, "0.20")

	got, err := repo.GetItem(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bolt", got.Name)
	assert.Equal(t, owner, got.Owner)
	assert.True(t, got.Price.Equal(price("0.35")), "price %s", got.Price)

	all, err := repo.ListItems(ctx, owner, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{first.ID, empty.ID, third.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	inStock, err := repo.ListItems(ctx, owner, 0)
	require.NoError(t, err)
	require.Len(t, inStock, 2)
	assert.Equal(t, first.ID, inStock[0].ID)
	assert.Equal(t, third.ID, inStock[1].ID)

	got.Name = "Hex Bolt"
	got.Quantity = 12
	got.Price = price("0.40")
	got.Owner = other
	saved, err := repo.SaveItem(ctx, *got, true)
	require.NoError(t, err)
	assert.Equal(t, "Hex Bolt", saved.Name)
	assert.Equal(t, 12, saved.Quantity)
	assert.Equal(t, owner, saved.Owner, "owner is not editable")

	_, err = repo.SaveItem(ctx, domain.InventoryItem{ID: xid.New("itm"), Name: "Ghost", Price: price("1")}, false)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, repo.DeleteItem(ctx, empty.ID))
	_, err = repo.GetItem(ctx, empty.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, repo.DeleteItem(ctx, empty.ID), store.ErrNotFound)

	customer := mustCustomer(t, repo, "Referencing Buyer")
	_, err = repo.CreateSale(ctx, domain.Sale{
		CustomerID: customer.ID,
		SoldBy:     owner,
		Lines:      []domain.SaleLineItem{{ItemID: third.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	require.ErrorIs(t, repo.DeleteItem(ctx, third.ID), store.ErrInUse)
}

func testCustomers(t *testing.T, repo store.Repository) {
	ctx := context.Background()

	_, err := repo.CreateCustomer(ctx, domain.Customer{Name: ""})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	created := mustCustomer(t, repo, "Ana Costa")
	got, err := repo.GetCustomer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Costa", got.Name)

	all, err := repo.ListCustomers(ctx)
	require.NoError(t, err)
	found := false
	for _, c := range all {
		if c.ID == created.ID {
			found = true
		}
	}
	assert.True(t, found)

	_, err = repo.GetCustomer(ctx, xid.New("cus"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testUsers(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	username := xid.New("user")

	require.ErrorIs(t, repo.CreateUser(ctx, domain.UserAccount{Username: username}), store.ErrInvalidInput)
	require.NoError(t, repo.CreateUser(ctx, domain.UserAccount{Username: username, Password: "hash-1"}))
	require.ErrorIs(t, repo.CreateUser(ctx, domain.UserAccount{Username: username, Password: "hash-2"}), store.ErrInvalidInput)

	user, err := repo.GetUser(ctx, username)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.True(t, user.Active)
	assert.Equal(t, "hash-1", user.Password)

	require.NoError(t, repo.UpdateUserPassword(ctx, username, "hash-3"))
	user, err = repo.GetUser(ctx, username)
	require.NoError(t, err)
	assert.Equal(t, "hash-3", user.Password)

	require.ErrorIs(t, repo.UpdateUserPassword(ctx, xid.New("user"), "x"), store.ErrNotFound)
	_, err = repo.GetUser(ctx, xid.New("user"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testSaleCommits(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	owner := xid.New("owner")
	a := mustItem(t, repo, owner, "Item A", 5, "10.50")
	b := mustItem(t, repo, owner, "Item B", 3, "5.25")
	customer := mustCustomer(t, repo, "Bruno Lima")

	sale, err := repo.CreateSale(ctx, domain.Sale{
		CustomerID: customer.ID,
		SoldBy:     owner,
		Lines: []domain.SaleLineItem{
			{ItemID: a.ID, Quantity: 2},
			{ItemID: b.ID, Quantity: 3},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sale.ID)
	assert.Equal(t, "Bruno Lima", sale.CustomerName)
	require.Len(t, sale.Lines, 2)
	assert.True(t, sale.Lines[0].UnitPrice.Equal(price("10.50")))
	assert.Equal(t, "Item A", sale.Lines[0].ItemName)
	assert.True(t, sale.Total().Equal(price("36.75")), "total %s", sale.Total())

	assert.Equal(t, 3, stockOf(t, repo, a.ID))
	assert.Equal(t, 0, stockOf(t, repo, b.ID), "selling the whole stock leaves zero")

	loaded, err := repo.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, loaded.SoldBy)
	require.Len(t, loaded.Lines, 2)
	assert.Equal(t, a.ID, loaded.Lines[0].ItemID)
	assert.Equal(t, b.ID, loaded.Lines[1].ItemID)
	assert.True(t, loaded.Total().Equal(price("36.75")))

	// Price edits after the sale do not rewrite history, and an edit made
	// from a copy read before the sale keeps the sold stock.
	a.Price = price("99.99")
	_, err = repo.SaveItem(ctx, *a, false)
	require.NoError(t, err)
	assert.Equal(t, 3, stockOf(t, repo, a.ID))
	loaded, err = repo.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Lines[0].UnitPrice.Equal(price("10.50")))

	_, err = repo.GetSale(ctx, xid.New("sale"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testSaleAllOrNothing(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	owner := xid.New("owner")
	a := mustItem(t, repo, owner, "Item A", 5, "1.00")
	b := mustItem(t, repo, owner, "Item B", 3, "1.00")
	customer := mustCustomer(t, repo, "Carla Souza")
	since := time.Now().Add(-time.Second)

	_, err := repo.CreateSale(ctx, domain.Sale{
		CustomerID: customer.ID,
		Lines: []domain.SaleLineItem{
			{ItemID: a.ID, Quantity: 2},
			{ItemID: b.ID, Quantity: 10},
		},
	})
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, b.ID, stockErr.ItemID)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	assert.Equal(t, 5, stockOf(t, repo, a.ID))
	assert.Equal(t, 3, stockOf(t, repo, b.ID))

	sales, err := repo.ListSalesSince(ctx, since)
	require.NoError(t, err)
	for _, sale := range sales {
		assert.NotEqual(t, customer.ID, sale.CustomerID)
	}

	_, err = repo.CreateSale(ctx, domain.Sale{CustomerID: customer.ID})
	require.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = repo.CreateSale(ctx, domain.Sale{
		CustomerID: customer.ID,
		Lines:      []domain.SaleLineItem{{ItemID: a.ID, Quantity: 0}},
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)
	assert.Equal(t, 5, stockOf(t, repo, a.ID))
}

func testSaleUnknownRefs(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	owner := xid.New("owner")
	a := mustItem(t, repo, owner, "Item A", 5, "1.00")
	customer := mustCustomer(t, repo, "Diego Alves")

	_, err := repo.CreateSale(ctx, domain.Sale{
		CustomerID: xid.New("cus"),
		Lines:      []domain.SaleLineItem{{ItemID: a.ID, Quantity: 1}},
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = repo.CreateSale(ctx, domain.Sale{
		CustomerID: customer.ID,
		Lines: []domain.SaleLineItem{
			{ItemID: a.ID, Quantity: 1},
			{ItemID: xid.New("itm"), Quantity: 1},
		},
	})
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 5, stockOf(t, repo, a.ID))
}

func testConcurrentLastUnit(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	owner := xid.New("owner")
	item := mustItem(t, repo, owner, "Last One", 1, "7.00")
	customer := mustCustomer(t, repo, "Elisa Rocha")

	const sellers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for range sellers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateSale(ctx, domain.Sale{
				CustomerID: customer.ID,
				Lines:      []domain.SaleLineItem{{ItemID: item.ID, Quantity: 1}},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range failures {
		assert.True(t, errors.Is(err, store.ErrInsufficientStock), "unexpected error: %v", err)
	}
	assert.Equal(t, 0, stockOf(t, repo, item.ID))
}

func testSalesSince(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	owner := xid.New("owner")
	item := mustItem(t, repo, owner, "Weekly", 10, "2.50")
	customer := mustCustomer(t, repo, "Fabio Nunes")

	since := time.Now().Add(-time.Second)
	first, err := repo.CreateSale(ctx, domain.Sale{
		CustomerID: customer.ID,
		Lines:      []domain.SaleLineItem{{ItemID: item.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	second, err := repo.CreateSale(ctx, domain.Sale{
		CustomerID: customer.ID,
		Lines:      []domain.SaleLineItem{{ItemID: item.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	sales, err := repo.ListSalesSince(ctx, since)
	require.NoError(t, err)
	var mine []domain.Sale
	for _, sale := range sales {
		if sale.CustomerID == customer.ID {
			mine = append(mine, sale)
		}
	}
	require.Len(t, mine, 2)
	assert.Equal(t, first.ID, mine[0].ID)
	assert.Equal(t, second.ID, mine[1].ID)
	assert.Equal(t, "Fabio Nunes", mine[0].CustomerName)
	require.Len(t, mine[1].Lines, 1)
	assert.True(t, mine[1].Total().Equal(price("5.00")))

	later, err := repo.ListSalesSince(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, later)
}
