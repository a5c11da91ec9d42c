package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"stockroom/backend/internal/domain"
)

func saleWith(id, customer string, at time.Time, lines ...domain.SaleLineItem) domain.Sale {
	return domain.Sale{ID: id, CustomerName: customer, CreatedAt: at, Lines: lines}
}

func line(qty int, unit string) domain.SaleLineItem {
	return domain.SaleLineItem{Quantity: qty, UnitPrice: decimal.RequireFromString(unit)}
}

func readRows(t *testing.T, content []byte) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(content))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	return rows
}

func TestWeekStart(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	cases := map[string]struct {
		now  time.Time
		want time.Time
	}{
		"wednesday": {time.Date(2026, 3, 4, 15, 30, 0, 0, loc), time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		"monday":    {time.Date(2026, 3, 2, 0, 0, 1, 0, loc), time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		"sunday":    {time.Date(2026, 3, 8, 23, 59, 0, 0, loc), time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		"new year":  {time.Date(2026, 1, 1, 9, 0, 0, 0, loc), time.Date(2025, 12, 29, 0, 0, 0, 0, loc)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(WeekStart(tc.now)), "got %s", WeekStart(tc.now))
		})
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "15,75", FormatAmount(decimal.RequireFromString("15.75")))
	assert.Equal(t, "0,00", FormatAmount(decimal.Zero))
	assert.Equal(t, "1234,50", FormatAmount(decimal.RequireFromString("1234.5")))
}

func TestRenderTwoSales(t *testing.T) {
	loc := time.UTC
	w := Weekly{Currency: "R$", Location: loc}
	sales := []domain.Sale{
		saleWith("sale-1", "Maria", time.Date(2026, 3, 2, 9, 5, 0, 0, loc), line(1, "10.50")),
		saleWith("sale-2", "Joao", time.Date(2026, 3, 3, 18, 40, 0, 0, loc), line(3, "1.75")),
	}

	content, err := w.Render(sales)
	require.NoError(t, err)
	rows := readRows(t, content)

	require.Len(t, rows, 5)
	assert.Equal(t, []string{"Sale ID", "Date", "Customer", "Total (R$)"}, rows[0])
	assert.Equal(t, []string{"sale-1", "02/03/2026 09:05", "Maria", "10,50"}, rows[1])
	assert.Equal(t, []string{"sale-2", "03/03/2026 18:40", "Joao", "5,25"}, rows[2])
	assert.Empty(t, rows[3])
	assert.Equal(t, []string{"", "", "Grand Total:", "15,75"}, rows[4])
}

func TestRenderNoSales(t *testing.T) {
	content, err := Weekly{Currency: "USD"}.Render(nil)
	require.NoError(t, err)
	rows := readRows(t, content)

	require.Len(t, rows, 3)
	assert.Equal(t, "Total (USD)", rows[0][3])
	assert.Empty(t, rows[1])
	assert.Equal(t, []string{"", "", "Grand Total:", "0,00"}, rows[2])
}

func TestRenderUsesLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	sale := saleWith("sale-1", "Ana", time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), line(1, "1"))

	content, err := Weekly{Location: loc}.Render([]domain.Sale{sale})
	require.NoError(t, err)
	rows := readRows(t, content)
	assert.Equal(t, "02/03/2026 23:00", rows[1][1])
}

func TestGenerateSavesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "media", "relatorios")
	w := Weekly{Dir: dir, Location: time.UTC}
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	file, err := w.Generate([]domain.Sale{saleWith("sale-9", "Rui", now, line(2, "4.00"))}, now)
	require.NoError(t, err)

	assert.Equal(t, "relatorio_semanal_20260304.xlsx", file.Name)
	assert.Equal(t, ContentType, file.ContentType)
	assert.Equal(t, filepath.Join(dir, file.Name), file.Path)

	onDisk, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, file.Content, onDisk)
	assert.Equal(t, "8,00", readRows(t, onDisk)[1][3])
}
