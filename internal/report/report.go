// Package report renders the weekly sales spreadsheet.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"stockroom/backend/internal/domain"
)

const (
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	SheetName   = "Weekly Report"
	dateLayout  = "02/01/2006 15:04"
)

type File struct {
	Name        string
	Path        string
	ContentType string
	Content     []byte
}

type Weekly struct {
	Dir      string
	Currency string
	Location *time.Location
}

// WeekStart returns Monday 00:00 of the week containing t, in t's location.
func WeekStart(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, t.Location())
}

// FormatAmount renders a money value with two decimals and a comma separator.
func FormatAmount(v decimal.Decimal) string {
	return strings.Replace(v.StringFixed(2), ".", ",", 1)
}

// FileName is the name the report for day is saved under.
func FileName(day time.Time) string {
	return fmt.Sprintf("relatorio_semanal_%s.xlsx", day.Format("20060102"))
}

func (w Weekly) location() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

func (w Weekly) header() []any {
	currency := strings.TrimSpace(w.Currency)
	if currency == "" {
		currency = "R$"
	}
	return []any{"Sale ID", "Date", "Customer", fmt.Sprintf("Total (%s)", currency)}
}

// Render builds the workbook: a header, one row per sale, a blank row and
// the grand total.
func (w Weekly) Render(sales []domain.Sale) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, err
	}

	row := 1
	if err := setRow(f, row, w.header()); err != nil {
		return nil, err
	}
	if bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetCellStyle(SheetName, "A1", "D1", bold)
	}

	grand := decimal.Zero
	loc := w.location()
	for _, sale := range sales {
		total := sale.Total()
		grand = grand.Add(total)
		row++
		values := []any{sale.ID, sale.CreatedAt.In(loc).Format(dateLayout), sale.CustomerName, FormatAmount(total)}
		if err := setRow(f, row, values); err != nil {
			return nil, err
		}
	}

	row += 2
	if err := setRow(f, row, []any{"", "", "Grand Total:", FormatAmount(grand)}); err != nil {
		return nil, err
	}
	_ = f.SetColWidth(SheetName, "A", "A", 44)
	_ = f.SetColWidth(SheetName, "B", "D", 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Generate renders the report and writes it into Dir, creating the
// directory when missing.
func (w Weekly) Generate(sales []domain.Sale, now time.Time) (*File, error) {
	content, err := w.Render(sales)
	if err != nil {
		return nil, fmt.Errorf("render weekly report: %w", err)
	}

	name := FileName(now.In(w.location()))
	dir := w.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, fmt.Errorf("save weekly report: %w", err)
	}

	return &File{
		Name:        name,
		Path:        path,
		ContentType: ContentType,
		Content:     content,
	}, nil
}

func setRow(f *excelize.File, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(SheetName, cell, &values)
}
