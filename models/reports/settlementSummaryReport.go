package reports

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/config"
	"github.com/xuri/excelize/v2"
)

type SettlementSummaryResponse struct {
	CenterID         int             `json:"CenterId"`
	CenterName       string          `json:"CenterName"`
	SettlementMonth  time.Time       `json:"SettlementMonth"`
	TotalChildren    int             `json:"TotalChildren"`
	ExpectedAmount   decimal.Decimal `json:"ExpectedAmount"`
	CollectedAmount  decimal.Decimal `json:"CollectedAmount"`
	CommissionRate   decimal.Decimal `json:"CommissionRate"`
	CommissionAmount decimal.Decimal `json:"CommissionAmount"`
	NetAmount        decimal.Decimal `json:"NetAmount"`
	SuccessCount     int             `json:"SuccessCount"`
	FailedCount      int             `json:"FailedCount"`
	CollectionRate   decimal.Decimal `json:"CollectionRate"`
	Status           string          `json:"Status"`
}

// GetSettlementSummaryReport returns one row per center in the subtree rooted
// at centerId for the given month. Collection rate is collected over expected
// as a percentage, zero when nothing was expected.
func GetSettlementSummaryReport(ctx context.Context, centerIds []int, month time.Time) ([]*SettlementSummaryResponse, error) {
	sql := `
SELECT
    s.center_id,
    centers.name AS center_name,
    s.settlement_month,
    s.total_children,
    s.expected_amount,
    s.collected_amount,
    s.commission_rate,
    s.commission_amount,
    s.net_amount,
    s.success_count,
    s.failed_count,
    CASE
        WHEN s.expected_amount > 0 THEN ROUND(s.collected_amount / s.expected_amount * 100, 2)
        ELSE 0
    END AS collection_rate,
    s.status
FROM
    settlements s
        LEFT JOIN
    centers ON centers.id = s.center_id
WHERE
    s.center_id IN @centerIds
        AND s.settlement_month = @month
ORDER BY centers.name;
`

	var records []*SettlementSummaryResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"centerIds": centerIds,
		"month":     month,
	}).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r SettlementSummaryResponse) GetCellValues() []interface{} {
	return []interface{}{
		r.CenterName,
		r.SettlementMonth.Format("2006-01"),
		r.TotalChildren,
		r.ExpectedAmount,
		r.CollectedAmount,
		r.CommissionRate,
		r.CommissionAmount,
		r.NetAmount,
		r.SuccessCount,
		r.FailedCount,
		r.CollectionRate,
		r.Status,
	}
}

var settlementSummaryHeadings = []string{
	"Center", "Month", "Children", "Expected", "Collected",
	"Commission Rate", "Commission", "Net Payout", "Success", "Failed",
	"Collection Rate (%)", "Status",
}

// ExportSettlementSummaryXlsx streams the report as a spreadsheet download.
func ExportSettlementSummaryXlsx(w http.ResponseWriter, records []*SettlementSummaryResponse, month time.Time) error {
	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	col := 'A'
	for _, h := range settlementSummaryHeadings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}

	rowNo := 2
	for _, r := range records {
		col := 'A'
		for _, value := range r.GetCellValues() {
			if d, ok := value.(decimal.Decimal); ok {
				value = d.String()
			}
			f.SetCellValue(sheetName, string(col)+fmt.Sprint(rowNo), value)
			col++
		}
		rowNo++
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=settlements-%s.xlsx", month.Format("2006-01")))
	return f.Write(w)
}
