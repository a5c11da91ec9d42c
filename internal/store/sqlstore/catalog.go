package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/store"
	"stockroom/backend/internal/xid"
)

const itemColumns = `
	SELECT i.id, i.name, i.category_id, COALESCE(c.name, ''), i.quantity, i.price, i.owner, i.created_at
	FROM inventory_items i
	LEFT JOIN categories c ON c.id = i.category_id
`

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, name
		FROM categories
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	var c domain.Category
	err := s.queryRow(ctx, s.db, `
		SELECT id, name
		FROM categories
		WHERE id = ?
	`, id).Scan(&c.ID, &c.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO categories (id, name)
		VALUES (?, ?)
	`, category.ID, category.Name)
	if err != nil {
		return nil, s.mapWriteErr(err, store.ErrInvalidInput)
	}
	created := category
	return &created, nil
}

// DeleteCategory detaches the category's items explicitly so every dialect
// behaves the same even where ON DELETE SET NULL is not enforced.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.exec(ctx, tx, `UPDATE inventory_items SET category_id = NULL WHERE category_id = ?`, id); err != nil {
		return err
	}
	res, err := s.exec(ctx, tx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return s.mapWriteErr(err, store.ErrInUse)
	}
	if err := affectedOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.InventoryItem, error) {
	row := s.queryRow(ctx, s.db, itemColumns+` WHERE i.id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		return nil, notFound(err)
	}
	return item, nil
}

func (s *Store) ListItems(ctx context.Context, owner string, minQuantity int) ([]domain.InventoryItem, error) {
	rows, err := s.query(ctx, s.db, itemColumns+`
		WHERE i.owner = ? AND i.quantity > ?
		ORDER BY i.created_at, i.id
	`, owner, minQuantity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 32)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if strings.TrimSpace(item.Owner) == "" || strings.TrimSpace(item.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	item.CreatedAt = stamp(item.CreatedAt)

	_, err := s.exec(ctx, s.db, `
		INSERT INTO inventory_items (id, name, category_id, quantity, price, owner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Name, nullString(item.CategoryID), item.Quantity, item.Price.StringFixed(2), item.Owner, item.CreatedAt)
	if err != nil {
		return nil, s.mapWriteErr(err, store.ErrInvalidInput)
	}
	return s.GetItem(ctx, item.ID)
}

// SaveItem overwrites the editable columns. Owner and creation time are kept.
func (s *Store) SaveItem(ctx context.Context, item domain.InventoryItem, setQuantity bool) (*domain.InventoryItem, error) {
	if strings.TrimSpace(item.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	query := `
		UPDATE inventory_items
		SET name = ?, category_id = ?, price = ?
		WHERE id = ?
	`
	args := []any{item.Name, nullString(item.CategoryID), item.Price.StringFixed(2), item.ID}
	if setQuantity {
		query = `
		UPDATE inventory_items
		SET name = ?, category_id = ?, price = ?, quantity = ?
		WHERE id = ?
	`
		args = []any{item.Name, nullString(item.CategoryID), item.Price.StringFixed(2), item.Quantity, item.ID}
	}
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.mapWriteErr(err, store.ErrInvalidInput)
	}
	if err := affectedOne(res); err != nil {
		// MySQL reports zero affected rows when nothing changed.
		if s.d.name != "mysql" {
			return nil, err
		}
	}
	return s.GetItem(ctx, item.ID)
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM inventory_items WHERE id = ?`, id)
	if err != nil {
		return s.mapWriteErr(err, store.ErrInUse)
	}
	return affectedOne(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	var categoryID sql.NullString
	if err := row.Scan(&item.ID, &item.Name, &categoryID, &item.CategoryName, &item.Quantity, &item.Price, &item.Owner, &item.CreatedAt); err != nil {
		return nil, err
	}
	if categoryID.Valid {
		id := categoryID.String
		item.CategoryID = &id
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}
