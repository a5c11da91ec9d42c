package sqlstore

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/store"
	"stockroom/backend/internal/xid"
)

// CreateSale runs in one transaction. Item rows are locked in id order, then
// each decrement is conditional on the stock still covering the quantity, so
// two sellers racing for the last unit cannot both succeed.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	needed := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		needed[line.ItemID] += line.Quantity
	}
	itemIDs := make([]string, 0, len(needed))
	for id := range needed {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = s.queryRow(ctx, tx, `SELECT name FROM customers WHERE id = ?`, sale.CustomerID).Scan(&sale.CustomerName)
	if err != nil {
		return nil, notFound(err)
	}

	type lockedItem struct {
		name  string
		price decimal.Decimal
		stock int
	}
	locked := make(map[string]lockedItem, len(itemIDs))
	for _, id := range itemIDs {
		var it lockedItem
		err := s.queryRow(ctx, tx, `
			SELECT name, price, quantity
			FROM inventory_items
			WHERE id = ?`+s.d.lockSuffix, id).Scan(&it.name, &it.price, &it.stock)
		if err != nil {
			return nil, notFound(err)
		}
		if it.stock < needed[id] {
			return nil, &store.InsufficientStockError{ItemID: id}
		}
		locked[id] = it
	}

	for _, id := range itemIDs {
		res, err := s.exec(ctx, tx, `
			UPDATE inventory_items
			SET quantity = quantity - ?
			WHERE id = ? AND quantity >= ?
		`, needed[id], id, needed[id])
		if err != nil {
			return nil, s.mapWriteErr(err, store.ErrIntegrity)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, &store.InsufficientStockError{ItemID: id}
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.CreatedAt = stamp(sale.CreatedAt)
	_, err = s.exec(ctx, tx, `
		INSERT INTO sales (id, customer_id, sold_by, created_at)
		VALUES (?, ?, ?, ?)
	`, sale.ID, sale.CustomerID, sale.SoldBy, sale.CreatedAt)
	if err != nil {
		return nil, s.mapWriteErr(err, store.ErrNotFound)
	}

	lines := make([]domain.SaleLineItem, 0, len(sale.Lines))
	for pos, line := range sale.Lines {
		it := locked[line.ItemID]
		if line.ID == "" {
			line.ID = xid.New("sli")
		}
		line.SaleID = sale.ID
		line.ItemName = it.name
		line.UnitPrice = it.price
		_, err := s.exec(ctx, tx, `
			INSERT INTO sale_items (id, sale_id, line_no, item_id, item_name, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, line.ID, line.SaleID, pos, line.ItemID, line.ItemName, line.Quantity, line.UnitPrice.StringFixed(2))
		if err != nil {
			return nil, s.mapWriteErr(err, store.ErrIntegrity)
		}
		lines = append(lines, line)
	}
	sale.Lines = lines

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.queryRow(ctx, s.db, `
		SELECT s.id, s.customer_id, c.name, s.sold_by, s.created_at
		FROM sales s
		JOIN customers c ON c.id = s.customer_id
		WHERE s.id = ?
	`, id).Scan(&sale.ID, &sale.CustomerID, &sale.CustomerName, &sale.SoldBy, &sale.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.query(ctx, s.db, `
		SELECT id, sale_id, item_id, item_name, quantity, unit_price
		FROM sale_items
		WHERE sale_id = ?
		ORDER BY line_no
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sale.Lines = make([]domain.SaleLineItem, 0, 8)
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

// ListSalesSince returns sales created at or after from, oldest first, with
// their lines.
func (s *Store) ListSalesSince(ctx context.Context, from time.Time) ([]domain.Sale, error) {
	from = from.UTC()
	rows, err := s.query(ctx, s.db, `
		SELECT s.id, s.customer_id, c.name, s.sold_by, s.created_at
		FROM sales s
		JOIN customers c ON c.id = s.customer_id
		WHERE s.created_at >= ?
		ORDER BY s.created_at, s.id
	`, from)
	if err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, 64)
	index := make(map[string]int, 64)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.CustomerID, &sale.CustomerName, &sale.SoldBy, &sale.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sale.Lines = make([]domain.SaleLineItem, 0, 4)
		index[sale.ID] = len(sales)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(sales) == 0 {
		return sales, nil
	}

	lineRows, err := s.query(ctx, s.db, `
		SELECT si.id, si.sale_id, si.item_id, si.item_name, si.quantity, si.unit_price
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		WHERE s.created_at >= ?
		ORDER BY si.sale_id, si.line_no
	`, from)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		line, err := scanLine(lineRows)
		if err != nil {
			return nil, err
		}
		// Sales committed between the two queries are skipped.
		if i, ok := index[line.SaleID]; ok {
			sales[i].Lines = append(sales[i].Lines, line)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func scanLine(row rowScanner) (domain.SaleLineItem, error) {
	var line domain.SaleLineItem
	err := row.Scan(&line.ID, &line.SaleID, &line.ItemID, &line.ItemName, &line.Quantity, &line.UnitPrice)
	return line, err
}

var _ store.Repository = (*Store)(nil)
