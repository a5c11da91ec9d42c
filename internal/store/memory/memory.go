package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/store"
	"stockroom/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	categories      map[string]domain.Category
	items           map[string]domain.InventoryItem
	customers       map[string]domain.Customer
	salesByID       map[string]*domain.Sale
	usersByUsername map[string]domain.UserAccount
	now             func() time.Time
	lastStamp       time.Time
}

func New() *Store {
	return &Store{
		categories:      make(map[string]domain.Category),
		items:           make(map[string]domain.InventoryItem),
		customers:       make(map[string]domain.Customer),
		salesByID:       make(map[string]*domain.Sale),
		usersByUsername: make(map[string]domain.UserAccount),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_DEMO_PASSWORD, falling back
// to dev defaults with a warning. The SQL store never uses these.
func seedUsers(logger *zap.Logger) (map[string]domain.UserAccount, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	demoPwd := envOr("SEED_DEMO_PASSWORD", "demo1234")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_DEMO_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_DEMO_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"demo", demoPwd, domain.RoleUser},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo accounts, categories, customers and a
// handful of items owned by "admin". A nil logger discards the credentials
// warning.
func NewSeeded(logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	users, err := seedUsers(logger)
	if err != nil {
		return nil, err
	}
	s := New()
	s.usersByUsername = users

	categories := []domain.Category{
		{ID: "cat-electronics", Name: "Electronics"},
		{ID: "cat-office", Name: "Office Supplies"},
		{ID: "cat-groceries", Name: "Groceries"},
	}
	for _, c := range categories {
		s.categories[c.ID] = c
	}

	now := s.now()
	for i, c := range []string{"Walk-in Customer", "Maria Silva", "Joao Pereira"} {
		id := xid.New("cus")
		s.customers[id] = domain.Customer{ID: id, Name: c, CreatedAt: now.Add(time.Duration(i) * time.Millisecond)}
	}

	seedItems := []struct {
		name     string
		category string
		qty      int
		price    string
	}{
		{"USB-C Cable", "cat-electronics", 40, "19.90"},
		{"Wireless Mouse", "cat-electronics", 15, "89.50"},
		{"A4 Paper Ream", "cat-office", 60, "27.00"},
		{"Ballpoint Pen (Box)", "cat-office", 25, "12.75"},
		{"Ground Coffee 500g", "cat-groceries", 30, "18.40"},
	}
	for i, it := range seedItems {
		categoryID := it.category
		id := xid.New("itm")
		s.items[id] = domain.InventoryItem{
			ID:         id,
			Name:       it.name,
			CategoryID: &categoryID,
			Quantity:   it.qty,
			Price:      decimal.RequireFromString(it.price),
			Owner:      "admin",
			CreatedAt:  now.Add(time.Duration(i) * time.Millisecond),
		}
	}

	return s, nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		categories = append(categories, c)
	}
	slices.SortFunc(categories, func(a, b domain.Category) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return categories, nil
}

func (s *Store) GetCategory(_ context.Context, id string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &category, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if _, exists := s.categories[category.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	s.categories[category.ID] = category
	created := category
	return &created, nil
}

func (s *Store) DeleteCategory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.categories[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.categories, id)
	for itemID, item := range s.items {
		if item.CategoryID != nil && *item.CategoryID == id {
			item.CategoryID = nil
			s.items[itemID] = item
		}
	}
	return nil
}

func (s *Store) GetItem(_ context.Context, id string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := s.withCategoryName(item)
	return &out, nil
}

func (s *Store) ListItems(_ context.Context, owner string, minQuantity int) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.items))
	for _, item := range s.items {
		if item.Owner != owner || item.Quantity <= minQuantity {
			continue
		}
		items = append(items, s.withCategoryName(item))
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return items, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(item.Owner) == "" {
		return nil, store.ErrInvalidInput
	}
	if err := s.checkItem(item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	if _, exists := s.items[item.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.stamp()
	}
	item.CategoryName = ""
	s.items[item.ID] = item
	out := s.withCategoryName(item)
	return &out, nil
}

func (s *Store) SaveItem(_ context.Context, item domain.InventoryItem, setQuantity bool) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !setQuantity {
		item.Quantity = existing.Quantity
	}
	if err := s.checkItem(item); err != nil {
		return nil, err
	}
	item.Owner = existing.Owner
	item.CreatedAt = existing.CreatedAt
	item.CategoryName = ""
	s.items[item.ID] = item
	out := s.withCategoryName(item)
	return &out, nil
}

func (s *Store) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return store.ErrNotFound
	}
	for _, sale := range s.salesByID {
		for _, line := range sale.Lines {
			if line.ItemID == id {
				return store.ErrInUse
			}
		}
	}
	delete(s.items, id)
	return nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return customers, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = s.stamp()
	}
	s.customers[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	customer, ok := s.customers[sale.CustomerID]
	if !ok {
		return nil, store.ErrNotFound
	}

	// Validate every line before touching stock so a failure leaves nothing behind.
	needed := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		item, exists := s.items[line.ItemID]
		if !exists {
			return nil, store.ErrNotFound
		}
		needed[line.ItemID] += line.Quantity
		if item.Quantity < needed[line.ItemID] {
			return nil, &store.InsufficientStockError{ItemID: line.ItemID}
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if _, exists := s.salesByID[sale.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = s.stamp()
	}
	sale.CustomerName = customer.Name

	lines := make([]domain.SaleLineItem, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		item := s.items[line.ItemID]
		item.Quantity -= line.Quantity
		s.items[line.ItemID] = item

		if line.ID == "" {
			line.ID = xid.New("sli")
		}
		line.SaleID = sale.ID
		line.ItemName = item.Name
		line.UnitPrice = item.Price
		lines = append(lines, line)
	}
	sale.Lines = lines

	stored := cloneSale(&sale)
	s.salesByID[sale.ID] = stored
	return cloneSale(stored), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSalesSince(_ context.Context, from time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return sales, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// stamp returns a strictly increasing creation time. Caller holds the lock.
func (s *Store) stamp() time.Time {
	t := s.now()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

// checkItem mirrors the SQL constraints. Caller holds the lock.
func (s *Store) checkItem(item domain.InventoryItem) error {
	if strings.TrimSpace(item.Name) == "" {
		return store.ErrInvalidInput
	}
	if item.Quantity < 0 || item.Price.IsNegative() {
		return store.ErrIntegrity
	}
	if item.CategoryID != nil {
		if _, ok := s.categories[*item.CategoryID]; !ok {
			return store.ErrInvalidInput
		}
	}
	return nil
}

// withCategoryName resolves the category label. Caller holds the lock.
func (s *Store) withCategoryName(item domain.InventoryItem) domain.InventoryItem {
	item.CategoryName = ""
	if item.CategoryID != nil {
		if c, ok := s.categories[*item.CategoryID]; ok {
			item.CategoryName = c.Name
		}
		id := *item.CategoryID
		item.CategoryID = &id
	}
	return item
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dupLines := make([]domain.SaleLineItem, len(src.Lines))
	copy(dupLines, src.Lines)
	dup.Lines = dupLines
	return &dup
}
