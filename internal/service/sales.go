package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stockroom/backend/internal/domain"
	"stockroom/backend/internal/report"
	"stockroom/backend/internal/store"
)

// SaleForm lists what the seller can put in a sale: their items that are in
// stock and every customer.
func (s *Service) SaleForm(ctx context.Context) (domain.SaleForm, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SaleForm{}, err
	}
	items, err := s.repo.ListItems(ctx, actor.Username, 0)
	if err != nil {
		return domain.SaleForm{}, err
	}
	customers, err := s.repo.ListCustomers(ctx)
	if err != nil {
		return domain.SaleForm{}, err
	}
	return domain.SaleForm{Items: items, Customers: customers}, nil
}

// ExecuteSale validates the selection against the seller's stock and records
// the sale, its lines and the stock decrements as one unit.
func (s *Service) ExecuteSale(ctx context.Context, req domain.SaleRequest) (domain.SaleReceipt, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SaleReceipt{}, err
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return domain.SaleReceipt{}, invalid("no customer selected")
	}
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleReceipt{}, invalid("customer not found")
		}
		return domain.SaleReceipt{}, fmt.Errorf("load customer: %w", err)
	}

	selections := normalizeSelections(req.Selections)
	names := make(map[string]string, len(selections))
	lines := make([]domain.SaleLineItem, 0, len(selections))
	for _, sel := range selections {
		item, err := s.repo.GetItem(ctx, sel.ItemID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.SaleReceipt{}, fmt.Errorf("load item %s: %w", sel.ItemID, err)
		}
		if err != nil || item.Owner != actor.Username {
			return domain.SaleReceipt{}, &ValidationError{Message: "item not found", ItemID: sel.ItemID}
		}
		if sel.Quantity > item.Quantity {
			return domain.SaleReceipt{}, &ValidationError{Message: "insufficient stock", ItemID: item.ID, ItemName: item.Name}
		}
		names[item.ID] = item.Name
		lines = append(lines, domain.SaleLineItem{ItemID: item.ID, Quantity: sel.Quantity})
	}
	if len(lines) == 0 {
		return domain.SaleReceipt{}, invalid("empty cart")
	}

	release, err := s.claimSubmission(ctx, actor, req.SubmissionToken)
	if err != nil {
		return domain.SaleReceipt{}, err
	}

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		CustomerID: customerID,
		SoldBy:     actor.Username,
		CreatedAt:  s.now().UTC(),
		Lines:      lines,
	})
	if err != nil {
		release()
		var stockErr *store.InsufficientStockError
		if errors.As(err, &stockErr) {
			return domain.SaleReceipt{}, &ValidationError{Message: "insufficient stock", ItemID: stockErr.ItemID, ItemName: names[stockErr.ItemID]}
		}
		return domain.SaleReceipt{}, fmt.Errorf("record sale: %w", err)
	}

	total := sale.Total()
	s.logAudit(ctx, "sale_executed", "sale", sale.ID,
		zap.String("customer_id", sale.CustomerID),
		zap.Int("lines", len(sale.Lines)),
		zap.String("total", total.StringFixed(2)),
	)

	return domain.SaleReceipt{
		Sale:         *sale,
		Total:        total,
		TotalDisplay: total.StringFixed(2),
		Message:      fmt.Sprintf("Sale #%s completed", sale.ID),
	}, nil
}

// claimSubmission holds the form token for the submission TTL. The returned
// func gives it back when the sale does not go through.
func (s *Service) claimSubmission(ctx context.Context, actor domain.Actor, token string) (func(), error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return func() {}, nil
	}
	key := "sale:" + actor.Username + ":" + token
	ok, err := s.guard.Claim(ctx, key, s.submissionTTL)
	if err != nil {
		return nil, fmt.Errorf("claim submission: %w", err)
	}
	if !ok {
		return nil, invalid("duplicate submission")
	}
	return func() {
		if err := s.guard.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("failed to release submission token", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// normalizeSelections drops non-positive quantities and merges repeated
// items, keeping the order in which items first appear.
func normalizeSelections(selections []domain.Selection) []domain.Selection {
	index := make(map[string]int, len(selections))
	normalized := make([]domain.Selection, 0, len(selections))
	for _, sel := range selections {
		id := strings.TrimSpace(sel.ItemID)
		if id == "" || sel.Quantity <= 0 {
			continue
		}
		if i, seen := index[id]; seen {
			normalized[i].Quantity += sel.Quantity
			continue
		}
		index[id] = len(normalized)
		normalized = append(normalized, domain.Selection{ItemID: id, Quantity: sel.Quantity})
	}
	return normalized
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.SaleReceipt, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.SaleReceipt{}, err
	}
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.SaleReceipt{}, err
	}
	total := sale.Total()
	return domain.SaleReceipt{Sale: *sale, Total: total, TotalDisplay: total.StringFixed(2)}, nil
}

func (s *Service) ListSales(ctx context.Context, from time.Time) ([]domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListSalesSince(ctx, from)
}

// WeeklyReport exports every sale since Monday 00:00 of the current week.
func (s *Service) WeeklyReport(ctx context.Context) (*report.File, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	now := s.now().In(s.reports.Location)
	start := report.WeekStart(now)

	sales, err := s.repo.ListSalesSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("list sales since %s: %w", start.Format(time.RFC3339), err)
	}
	file, err := s.reports.Generate(sales, now)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "weekly_report_exported", "report", file.Name,
		zap.Int("sales", len(sales)),
		zap.String("path", file.Path),
	)
	return file, nil
}
