package interfaces

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"settlement-engine/internal/observability/metrics"
	settlement "settlement-engine/internal/settlement/domain"
)

const (
	weekSheet    = "settlements"
	summarySheet = "summary"
)

var weekColumns = []string{
	"Settlement ID", "Restaurant", "Week", "Week Start", "Week End", "Orders",
	"Gross", "Commission Rate (%)", "Commission", "Net", "Currency", "Status",
	"Due Date", "Payout ID", "Needs Reconciliation",
}

// ExportWeekXLSX renders a week's settlements as a workbook with a row per
// restaurant and a totals sheet.
func ExportWeekXLSX(rows []settlement.Settlement) (out []byte, err error) {
	started := time.Now()
	defer func() { observeExport("xlsx", started, err) }()

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", weekSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	money, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, err
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	for i, title := range weekColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(weekSheet, cell, title)
	}
	_ = f.SetRowStyle(weekSheet, 1, 1, header)

	gross, commission, net := decimal.Zero, decimal.Zero, decimal.Zero
	orders := 0
	for i, s := range rows {
		row := i + 2
		values := []any{
			s.ID,
			s.RestaurantID,
			weekLabel(s.IsoYearWeek),
			s.WeekStart.Format("2006-01-02"),
			s.WeekEnd.Format("2006-01-02"),
			s.OrderCount,
			s.GrossAmount.InexactFloat64(),
			s.CommissionRate.InexactFloat64(),
			s.CommissionAmount.InexactFloat64(),
			s.NetAmount.InexactFloat64(),
			s.Currency,
			string(s.Status),
			s.DueDate.Format("2006-01-02"),
			s.PayoutID,
			s.NeedsReconciliation,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(weekSheet, cell, v)
		}
		_ = f.SetCellStyle(weekSheet, fmt.Sprintf("G%d", row), fmt.Sprintf("G%d", row), money)
		_ = f.SetCellStyle(weekSheet, fmt.Sprintf("I%d", row), fmt.Sprintf("J%d", row), money)

		gross = gross.Add(s.GrossAmount)
		commission = commission.Add(s.CommissionAmount)
		net = net.Add(s.NetAmount)
		orders += s.OrderCount
	}

	summary := [][2]any{
		{"Settlements", len(rows)},
		{"Orders", orders},
		{"Gross", gross.StringFixed(settlement.MoneyScale)},
		{"Commission", commission.StringFixed(settlement.MoneyScale)},
		{"Net", net.StringFixed(settlement.MoneyScale)},
	}
	if len(rows) > 0 {
		summary = append([][2]any{{"Week", weekLabel(rows[0].IsoYearWeek)}}, summary...)
	}
	for i, kv := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), kv[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), kv[1])
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRemittancePDF renders the remittance advice sent to a restaurant.
func BuildRemittancePDF(s *settlement.Settlement, orders []settlement.DeliveredOrder) (out []byte, err error) {
	started := time.Now()
	defer func() { observeExport("pdf", started, err) }()
	if s == nil {
		return nil, errors.New("remittance: nil settlement")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Remittance Advice")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	lines := []string{
		fmt.Sprintf("Restaurant: %s", s.RestaurantID),
		fmt.Sprintf("Week: %s (%s to %s)", weekLabel(s.IsoYearWeek), s.WeekStart.Format("2006-01-02"), s.WeekEnd.Format("2006-01-02")),
		fmt.Sprintf("Settlement: %s", s.ID),
		fmt.Sprintf("Status: %s", s.Status),
		fmt.Sprintf("Due: %s", s.DueDate.Format("2006-01-02")),
	}
	if s.PayoutID != "" {
		lines = append(lines, fmt.Sprintf("Payout: %s (ref %s)", s.PayoutID, s.PayoutReference))
	}
	if !s.CompletedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("Paid: %s", s.CompletedAt.Format(time.RFC3339)))
	}
	for _, line := range lines {
		pdf.Cell(0, 6, line)
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.Cell(0, 6, fmt.Sprintf("Orders: %d", s.OrderCount))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Gross (%s): %s", s.Currency, s.GrossAmount.StringFixed(settlement.MoneyScale)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Commission @ %s%%: %s", s.CommissionRate.String(), s.CommissionAmount.StringFixed(settlement.MoneyScale)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Net payable (%s): %s", s.Currency, s.NetAmount.StringFixed(settlement.MoneyScale)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(80, 6, "Order", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Delivered", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Amount", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, o := range orders {
		created := ""
		if !o.CreatedAt.IsZero() {
			created = o.CreatedAt.Format("2006-01-02 15:04")
		}
		pdf.CellFormat(80, 6, o.ID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, created, "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, o.GrossAmount.StringFixed(settlement.MoneyScale), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func weekLabel(isoYearWeek int) string {
	return fmt.Sprintf("%d-W%02d", isoYearWeek/100, isoYearWeek%100)
}

func observeExport(format string, started time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveExport(format, result, time.Since(started))
}
