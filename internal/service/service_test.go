package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"stockroom/backend/internal/cache"
	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/report"
	"stockroom/backend/internal/store"
	"stockroom/backend/internal/store/memory"
)

// clock ticks one second per reading so sales get distinct timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	svc    *Service
	repo   *memory.Store
	clock  *clock
	logs   *observer.ObservedLogs
	ctx    context.Context
	seller domain.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	core, logs := observer.New(zap.InfoLevel)
	clk := &clock{t: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)}
	svc := New(repo, Options{
		Guard:         cache.NewMemorySubmissionGuard(),
		SubmissionTTL: time.Minute,
		Logger:        zap.New(core),
		Reports:       report.Weekly{Dir: t.TempDir(), Currency: "R$", Location: time.UTC},
		Now:           clk.Now,
	})
	seller := domain.Actor{Username: "ana", Role: domain.RoleUser}
	return &fixture{
		svc:    svc,
		repo:   repo,
		clock:  clk,
		logs:   logs,
		ctx:    WithActor(context.Background(), seller),
		seller: seller,
	}
}

func (f *fixture) item(t *testing.T, name string, qty int, unit string) domain.InventoryItem {
	t.Helper()
	item, err := f.svc.CreateItem(f.ctx, domain.ItemCreateRequest{Name: name, Quantity: qty, Price: decimal.RequireFromString(unit)})
	require.NoError(t, err)
	return item
}

func (f *fixture) customer(t *testing.T, name string) domain.Customer {
	t.Helper()
	customer, err := f.svc.CreateCustomer(f.ctx, domain.CustomerCreateRequest{Name: name})
	require.NoError(t, err)
	return customer
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	item, err := f.repo.GetItem(context.Background(), id)
	require.NoError(t, err)
	return item.Quantity
}

func (f *fixture) saleCount(t *testing.T) int {
	t.Helper()
	sales, err := f.repo.ListSalesSince(context.Background(), time.Time{})
	require.NoError(t, err)
	return len(sales)
}

func requireValidation(t *testing.T, err error, message string) *ValidationError {
	t.Helper()
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, message, vErr.Message)
	return vErr
}

func TestExecuteSaleRequiresCustomer(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "Pen", 5, "2.00")

	_, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: "  ",
		Selections: []domain.Selection{{ItemID: item.ID, Quantity: 1}},
	})
	requireValidation(t, err, "no customer selected")

	_, err = f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: "cus-missing",
		Selections: []domain.Selection{{ItemID: item.ID, Quantity: 1}},
	})
	requireValidation(t, err, "customer not found")

	assert.Equal(t, 5, f.stock(t, item.ID))
	assert.Zero(t, f.saleCount(t))
}

func TestExecuteSaleEmptyCartCreatesNothing(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "Pen", 5, "2.00")
	customer := f.customer(t, "Bia")

	for name, selections := range map[string][]domain.Selection{
		"no selections":       nil,
		"zero quantities":     {{ItemID: item.ID, Quantity: 0}},
		"negative quantity":   {{ItemID: item.ID, Quantity: -3}},
		"blank item with qty": {{ItemID: " ", Quantity: 2}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{CustomerID: customer.ID, Selections: selections})
			requireValidation(t, err, "empty cart")
		})
	}

	assert.Equal(t, 5, f.stock(t, item.ID))
	assert.Zero(t, f.saleCount(t))
}

func TestExecuteSaleIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "Item A", 5, "1.00")
	b := f.item(t, "Item B", 3, "1.00")
	customer := f.customer(t, "Caio")

	_, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: customer.ID,
		Selections: []domain.Selection{
			{ItemID: a.ID, Quantity: 2},
			{ItemID: b.ID, Quantity: 10},
		},
	})
	vErr := requireValidation(t, err, "insufficient stock")
	assert.Equal(t, b.ID, vErr.ItemID)
	assert.Equal(t, "Item B", vErr.ItemName)
	assert.Equal(t, "insufficient stock for item Item B", vErr.Error())

	assert.Equal(t, 5, f.stock(t, a.ID))
	assert.Equal(t, 3, f.stock(t, b.ID))
	assert.Zero(t, f.saleCount(t))
}

func TestExecuteSaleConservesStockAndTotals(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "Notebook", 5, "10.50")
	b := f.item(t, "Marker", 4, "5.25")
	customer := f.customer(t, "Davi")

	receipt, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: customer.ID,
		Selections: []domain.Selection{
			{ItemID: a.ID, Quantity: 2},
			{ItemID: b.ID, Quantity: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, f.stock(t, a.ID))
	assert.Equal(t, 3, f.stock(t, b.ID))
	assert.True(t, decimal.RequireFromString("26.25").Equal(receipt.Total), "total %s", receipt.Total)
	assert.Equal(t, "26.25", receipt.TotalDisplay)
	assert.Equal(t, "Sale #"+receipt.Sale.ID+" completed", receipt.Message)
	assert.Equal(t, "ana", receipt.Sale.SoldBy)
	assert.Equal(t, "Davi", receipt.Sale.CustomerName)
	require.Len(t, receipt.Sale.Lines, 2)
	assert.True(t, receipt.Sale.Lines[0].UnitPrice.Equal(decimal.RequireFromString("10.50")))

	// Later price edits leave the recorded sale alone.
	newPrice := decimal.RequireFromString("99.00")
	_, err = f.svc.UpdateItem(f.ctx, a.ID, domain.ItemUpdateRequest{Price: &newPrice})
	require.NoError(t, err)
	stored, err := f.svc.GetSale(f.ctx, receipt.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, "26.25", stored.TotalDisplay)
}

func TestExecuteSaleCanSellOutAnItem(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "Last Batch", 4, "3.10")
	customer := f.customer(t, "Eva")

	receipt, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: customer.ID,
		Selections: []domain.Selection{{ItemID: item.ID, Quantity: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, "12.40", receipt.TotalDisplay)
	assert.Equal(t, 0, f.stock(t, item.ID))

	form, err := f.svc.SaleForm(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, form.Items, "sold out items leave the sale form")
	assert.Len(t, form.Customers, 1)

	dashboard, err := f.svc.Dashboard(f.ctx)
	require.NoError(t, err)
	require.Len(t, dashboard, 1, "sold out items stay on the dashboard")
}

func TestExecuteSaleMergesRepeatedSelections(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "Clip", 10, "0.10")
	b := f.item(t, "Tape", 10, "1.20")
	customer := f.customer(t, "Fabi")

	receipt, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: customer.ID,
		Selections: []domain.Selection{
			{ItemID: b.ID, Quantity: 1},
			{ItemID: a.ID, Quantity: 2},
			{ItemID: b.ID, Quantity: 2},
			{ItemID: a.ID, Quantity: 0},
		},
	})
	require.NoError(t, err)
	require.Len(t, receipt.Sale.Lines, 2)
	assert.Equal(t, b.ID, receipt.Sale.Lines[0].ItemID)
	assert.Equal(t, 3, receipt.Sale.Lines[0].Quantity)
	assert.Equal(t, a.ID, receipt.Sale.Lines[1].ItemID)
	assert.Equal(t, "3.80", receipt.TotalDisplay)
	assert.Equal(t, 7, f.stock(t, b.ID))
}

func TestExecuteSaleOnlySellsOwnItems(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t, "Gui")
	otherCtx := WithActor(context.Background(), domain.Actor{Username: "bruno", Role: domain.RoleUser})
	foreign, err := f.svc.CreateItem(otherCtx, domain.ItemCreateRequest{Name: "Bruno's Lamp", Quantity: 2, Price: decimal.NewFromInt(30)})
	require.NoError(t, err)

	_, err = f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: customer.ID,
		Selections: []domain.Selection{{ItemID: foreign.ID, Quantity: 1}},
	})
	vErr := requireValidation(t, err, "item not found")
	assert.Equal(t, foreign.ID, vErr.ItemID)
	assert.Equal(t, 2, f.stock(t, foreign.ID))
}

func TestExecuteSaleRejectsReplayedSubmission(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "Mug", 3, "15.00")
	customer := f.customer(t, "Hugo")
	req := domain.SaleRequest{
		CustomerID:      customer.ID,
		Selections:      []domain.Selection{{ItemID: item.ID, Quantity: 1}},
		SubmissionToken: "form-123",
	}

	_, err := f.svc.ExecuteSale(f.ctx, req)
	require.NoError(t, err)
	_, err = f.svc.ExecuteSale(f.ctx, req)
	requireValidation(t, err, "duplicate submission")
	assert.Equal(t, 2, f.stock(t, item.ID))
	assert.Equal(t, 1, f.saleCount(t))
}

// racingRepo lets validation pass and then loses the race inside the store.
type racingRepo struct {
	*memory.Store
}

func (r racingRepo) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	return nil, &store.InsufficientStockError{ItemID: sale.Lines[0].ItemID}
}

func TestExecuteSaleReportsStoreStockConflict(t *testing.T) {
	repo := racingRepo{Store: memory.New()}
	guard := cache.NewMemorySubmissionGuard()
	svc := New(repo, Options{Guard: guard})
	ctx := WithActor(context.Background(), domain.Actor{Username: "ana"})

	item, err := svc.CreateItem(ctx, domain.ItemCreateRequest{Name: "Kettle", Quantity: 1, Price: decimal.NewFromInt(80)})
	require.NoError(t, err)
	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Ivo"})
	require.NoError(t, err)

	req := domain.SaleRequest{
		CustomerID:      customer.ID,
		Selections:      []domain.Selection{{ItemID: item.ID, Quantity: 1}},
		SubmissionToken: "tok",
	}
	_, err = svc.ExecuteSale(ctx, req)
	vErr := requireValidation(t, err, "insufficient stock")
	assert.Equal(t, "Kettle", vErr.ItemName)

	// The failed attempt gave the token back.
	ok, err := guard.Claim(context.Background(), "sale:ana:tok", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentSalesOfLastUnit(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "Only One", 1, "9.99")
	customer := f.customer(t, "Julia")

	const sellers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range sellers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
				CustomerID: customer.ID,
				Selections: []domain.Selection{{ItemID: item.ID, Quantity: 1}},
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) || vErr.Message != "insufficient stock" {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, f.stock(t, item.ID))
	assert.Equal(t, 1, f.saleCount(t))
}

func TestOperationsRequireActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ExecuteSale(ctx, domain.SaleRequest{CustomerID: "x"})
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = f.svc.Dashboard(ctx)
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = f.svc.WeeklyReport(ctx)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestWeeklyReport(t *testing.T) {
	f := newFixture(t)
	a := f.item(t, "Notebook", 10, "10.50")
	b := f.item(t, "Marker", 10, "5.25")
	customer := f.customer(t, "Karla")
	sell := func(id string) {
		_, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
			CustomerID: customer.ID,
			Selections: []domain.Selection{{ItemID: id, Quantity: 1}},
		})
		require.NoError(t, err)
	}

	f.clock.Set(time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC)) // previous Friday
	sell(a.ID)
	f.clock.Set(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sell(a.ID)
	f.clock.Set(time.Date(2026, 3, 3, 17, 30, 0, 0, time.UTC))
	sell(b.ID)
	f.clock.Set(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))

	file, err := f.svc.WeeklyReport(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "relatorio_semanal_20260304.xlsx", file.Name)
	assert.Equal(t, report.ContentType, file.ContentType)
	assert.FileExists(t, file.Path)

	wb, err := excelize.OpenReader(bytes.NewReader(file.Content))
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()
	rows, err := wb.GetRows(report.SheetName)
	require.NoError(t, err)

	require.Len(t, rows, 5)
	assert.Equal(t, "Total (R$)", rows[0][3])
	assert.Equal(t, "02/03/2026 09:00", rows[1][1])
	assert.Equal(t, "10,50", rows[1][3])
	assert.Equal(t, "5,25", rows[2][3])
	assert.Equal(t, []string{"", "", "Grand Total:", "15,75"}, rows[4])
}

func TestWeeklyReportWithoutSales(t *testing.T) {
	f := newFixture(t)

	file, err := f.svc.WeeklyReport(f.ctx)
	require.NoError(t, err)
	wb, err := excelize.OpenReader(bytes.NewReader(file.Content))
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()
	rows, err := wb.GetRows(report.SheetName)
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, "0,00", rows[2][3])
}

func TestAuditLogForSale(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "Stapler", 2, "20.00")
	customer := f.customer(t, "Leo")

	receipt, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: customer.ID,
		Selections: []domain.Selection{{ItemID: item.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	entries := f.logs.FilterMessage("audit").FilterField(zap.String("action", "sale_executed")).All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "ana", fields["actor"])
	assert.Equal(t, receipt.Sale.ID, fields["entity_id"])
	assert.Equal(t, "40.00", fields["total"])
}

func TestItemValidation(t *testing.T) {
	f := newFixture(t)
	missing := "cat-missing"

	cases := map[string]domain.ItemCreateRequest{
		"blank name":       {Name: "  ", Quantity: 1, Price: decimal.NewFromInt(1)},
		"negative stock":   {Name: "Pen", Quantity: -1, Price: decimal.NewFromInt(1)},
		"negative price":   {Name: "Pen", Quantity: 1, Price: decimal.RequireFromString("-0.01")},
		"three decimals":   {Name: "Pen", Quantity: 1, Price: decimal.RequireFromString("1.005")},
		"price too large":  {Name: "Pen", Quantity: 1, Price: decimal.RequireFromString("100000000.00")},
		"unknown category": {Name: "Pen", Quantity: 1, Price: decimal.NewFromInt(1), CategoryID: &missing},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateItem(f.ctx, req)
			require.ErrorIs(t, err, store.ErrInvalidInput)
		})
	}

	dashboard, err := f.svc.Dashboard(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, dashboard)
}

func TestItemsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	category, err := f.svc.CreateCategory(f.ctx, domain.CategoryCreateRequest{Name: "Office"})
	require.NoError(t, err)
	item, err := f.svc.CreateItem(f.ctx, domain.ItemCreateRequest{Name: "Desk", Quantity: 1, Price: decimal.NewFromInt(250), CategoryID: &category.ID})
	require.NoError(t, err)
	assert.Equal(t, "Office", item.CategoryName)
	assert.Equal(t, "ana", item.Owner)

	other := WithActor(context.Background(), domain.Actor{Username: "bruno", Role: domain.RoleUser})
	_, err = f.svc.GetItem(other, item.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	qty := 9
	_, err = f.svc.UpdateItem(other, item.ID, domain.ItemUpdateRequest{Quantity: &qty})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, f.svc.DeleteItem(other, item.ID), store.ErrNotFound)

	updated, err := f.svc.UpdateItem(f.ctx, item.ID, domain.ItemUpdateRequest{Quantity: &qty, ClearCategory: true})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Quantity)
	assert.Nil(t, updated.CategoryID)

	require.NoError(t, f.svc.DeleteItem(f.ctx, item.ID))
	_, err = f.svc.GetItem(f.ctx, item.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteSoldItemIsRefused(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "Chair", 2, "45.00")
	customer := f.customer(t, "Mara")
	_, err := f.svc.ExecuteSale(f.ctx, domain.SaleRequest{
		CustomerID: customer.ID,
		Selections: []domain.Selection{{ItemID: item.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteItem(f.ctx, item.ID), store.ErrInUse)
	assert.Equal(t, 1, f.stock(t, item.ID))
}

// saleDuringEditRepo records a sale right after the item is first read,
// the way a checkout landing between the read and the write of an edit would.
type saleDuringEditRepo struct {
	*memory.Store
	once sync.Once
	sell func()
}

func (r *saleDuringEditRepo) GetItem(ctx context.Context, id string) (*domain.InventoryItem, error) {
	item, err := r.Store.GetItem(ctx, id)
	r.once.Do(r.sell)
	return item, err
}

func TestUpdateItemKeepsConcurrentSaleDecrement(t *testing.T) {
	repo := &saleDuringEditRepo{Store: memory.New()}
	svc := New(repo, Options{Guard: cache.NewMemorySubmissionGuard()})
	ctx := WithActor(context.Background(), domain.Actor{Username: "ana"})

	item, err := repo.Store.CreateItem(ctx, domain.InventoryItem{Name: "Lamp", Quantity: 10, Price: decimal.NewFromInt(40), Owner: "ana"})
	require.NoError(t, err)
	customer, err := repo.Store.CreateCustomer(ctx, domain.Customer{Name: "Rui"})
	require.NoError(t, err)
	repo.sell = func() {
		_, err := repo.Store.CreateSale(ctx, domain.Sale{
			CustomerID: customer.ID,
			SoldBy:     "ana",
			Lines:      []domain.SaleLineItem{{ItemID: item.ID, Quantity: 3}},
		})
		require.NoError(t, err)
	}

	newPrice := decimal.NewFromInt(45)
	updated, err := svc.UpdateItem(ctx, item.ID, domain.ItemUpdateRequest{Price: &newPrice})
	require.NoError(t, err)
	assert.True(t, updated.Price.Equal(newPrice))
	assert.Equal(t, 7, updated.Quantity, "a price edit must not restore sold stock")

	// An explicit quantity is still applied as given.
	qty := 12
	updated, err = svc.UpdateItem(ctx, item.ID, domain.ItemUpdateRequest{Quantity: &qty})
	require.NoError(t, err)
	assert.Equal(t, 12, updated.Quantity)
}
