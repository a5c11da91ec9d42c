package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/store"
)

const (
	maxItemName     = 200
	maxCategoryName = 100
	maxCustomerName = 100
)

// maxPrice is the first value NUMERIC(10,2) cannot hold.
var maxPrice = decimal.New(1, 8)

// Dashboard lists every item the seller owns, oldest first.
func (s *Service) Dashboard(ctx context.Context) ([]domain.InventoryItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, actor.Username, -1)
}

func (s *Service) GetItem(ctx context.Context, id string) (domain.InventoryItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	item, err := s.ownedItem(ctx, actor, id)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return *item, nil
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.InventoryItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	item := domain.InventoryItem{
		Name:     strings.TrimSpace(req.Name),
		Quantity: req.Quantity,
		Price:    req.Price,
		Owner:    actor.Username,
	}
	if req.CategoryID != nil {
		if id := strings.TrimSpace(*req.CategoryID); id != "" {
			item.CategoryID = &id
		}
	}
	if err := s.checkItem(ctx, item); err != nil {
		return domain.InventoryItem{}, err
	}

	created, err := s.repo.CreateItem(ctx, item)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	s.logAudit(ctx, "item_created", "item", created.ID,
		zap.String("name", created.Name),
		zap.Int("quantity", created.Quantity),
		zap.String("price", created.Price.StringFixed(2)),
	)
	return *created, nil
}

func (s *Service) UpdateItem(ctx context.Context, id string, req domain.ItemUpdateRequest) (domain.InventoryItem, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	existing, err := s.ownedItem(ctx, actor, id)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.Quantity != nil {
		updated.Quantity = *req.Quantity
	}
	if req.Price != nil {
		updated.Price = *req.Price
	}
	switch {
	case req.ClearCategory:
		updated.CategoryID = nil
	case req.CategoryID != nil:
		categoryID := strings.TrimSpace(*req.CategoryID)
		updated.CategoryID = &categoryID
	}
	if err := s.checkItem(ctx, updated); err != nil {
		return domain.InventoryItem{}, err
	}

	saved, err := s.repo.SaveItem(ctx, updated, req.Quantity != nil)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	s.logAudit(ctx, "item_updated", "item", saved.ID,
		zap.Int("quantity_before", existing.Quantity),
		zap.Int("quantity_after", saved.Quantity),
		zap.String("price_before", existing.Price.StringFixed(2)),
		zap.String("price_after", saved.Price.StringFixed(2)),
	)
	return *saved, nil
}

// DeleteItem removes an item the seller owns. Items already sold stay, since
// their sale lines reference them.
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	item, err := s.ownedItem(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteItem(ctx, item.ID); err != nil {
		return err
	}
	s.logAudit(ctx, "item_deleted", "item", item.ID, zap.String("name", item.Name))
	return nil
}

// ownedItem hides other sellers' items behind ErrNotFound.
func (s *Service) ownedItem(ctx context.Context, actor domain.Actor, id string) (*domain.InventoryItem, error) {
	item, err := s.repo.GetItem(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if item.Owner != actor.Username {
		return nil, store.ErrNotFound
	}
	return item, nil
}

func (s *Service) checkItem(ctx context.Context, item domain.InventoryItem) error {
	if item.Name == "" {
		return fmt.Errorf("%w: name is required", store.ErrInvalidInput)
	}
	if utf8.RuneCountInString(item.Name) > maxItemName {
		return fmt.Errorf("%w: name is longer than %d characters", store.ErrInvalidInput, maxItemName)
	}
	if item.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", store.ErrInvalidInput)
	}
	if item.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", store.ErrInvalidInput)
	}
	if !item.Price.Equal(item.Price.Round(2)) {
		return fmt.Errorf("%w: price has more than 2 decimal places", store.ErrInvalidInput)
	}
	if item.Price.GreaterThanOrEqual(maxPrice) {
		return fmt.Errorf("%w: price is too large", store.ErrInvalidInput)
	}
	if item.CategoryID != nil {
		if _, err := s.repo.GetCategory(ctx, *item.CategoryID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: category does not exist", store.ErrInvalidInput)
			}
			return err
		}
	}
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryCreateRequest) (domain.Category, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.Category{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > maxCategoryName {
		return domain.Category{}, fmt.Errorf("%w: category name must be 1 to %d characters", store.ErrInvalidInput, maxCategoryName)
	}
	created, err := s.repo.CreateCategory(ctx, domain.Category{Name: name})
	if err != nil {
		return domain.Category{}, err
	}
	s.logAudit(ctx, "category_created", "category", created.ID, zap.String("name", created.Name))
	return *created, nil
}

// DeleteCategory leaves the category's items in place without a category.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	if _, err := requireActor(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteCategory(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "category_deleted", "category", id)
	return nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListCustomers(ctx)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.Customer{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > maxCustomerName {
		return domain.Customer{}, fmt.Errorf("%w: customer name must be 1 to %d characters", store.ErrInvalidInput, maxCustomerName)
	}
	created, err := s.repo.CreateCustomer(ctx, domain.Customer{Name: name, CreatedAt: s.now().UTC()})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_created", "customer", created.ID, zap.String("name", created.Name))
	return *created, nil
}
