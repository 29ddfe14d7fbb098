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

type UnpaidBalanceResponse struct {
	ChildID         int             `json:"ChildId"`
	ChildName       string          `json:"ChildName"`
	InstitutionName string          `json:"InstitutionName"`
	CenterID        int             `json:"CenterId"`
	UnpaidMonths    int             `json:"UnpaidMonths"`
	TotalUnpaid     decimal.Decimal `json:"TotalUnpaid"`
	TotalPaid       decimal.Decimal `json:"TotalPaid"`
	Outstanding     decimal.Decimal `json:"Outstanding"`
	OldestMonth     *time.Time      `json:"OldestMonth,omitempty"`
}

// GetUnpaidBalanceReport aggregates open unpaid ledger rows per child across
// the given centers. Only UNPAID and PARTIAL rows carry a balance.
func GetUnpaidBalanceReport(ctx context.Context, centerIds []int) ([]*UnpaidBalanceResponse, error) {
	sql := `
SELECT
    u.child_id,
    children.name AS child_name,
    institutions.name AS institution_name,
    p.center_id,
    u.unpaid_months,
    u.total_unpaid,
    u.total_paid,
    u.total_unpaid - u.total_paid AS outstanding,
    u.oldest_month
FROM
    (SELECT
        child_id,
            COUNT(id) AS unpaid_months,
            SUM(unpaid_amount) AS total_unpaid,
            SUM(paid_amount) AS total_paid,
            MIN(unpaid_month) AS oldest_month
    FROM
        unpaid_records
    WHERE
        status IN ('UNPAID' , 'PARTIAL')
    GROUP BY child_id) AS u
        LEFT JOIN
    children ON children.id = u.child_id
        LEFT JOIN
    classrooms ON classrooms.id = children.classroom_id
        LEFT JOIN
    institutions ON institutions.id = classrooms.institution_id
        LEFT JOIN
    (SELECT child_id, MAX(center_id) AS center_id FROM payers GROUP BY child_id) AS p
        ON p.child_id = u.child_id
WHERE
    p.center_id IN @centerIds
ORDER BY outstanding DESC;
`

	var records []*UnpaidBalanceResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"centerIds": centerIds,
	}).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r UnpaidBalanceResponse) GetCellValues() []interface{} {
	oldest := ""
	if r.OldestMonth != nil {
		oldest = r.OldestMonth.Format("2006-01")
	}
	return []interface{}{
		r.ChildName,
		r.InstitutionName,
		r.UnpaidMonths,
		r.TotalUnpaid,
		r.TotalPaid,
		r.Outstanding,
		oldest,
	}
}

var unpaidBalanceHeadings = []string{
	"Child", "Institution", "Months Unpaid", "Billed", "Paid", "Outstanding", "Oldest Month",
}

func ExportUnpaidBalanceXlsx(w http.ResponseWriter, records []*UnpaidBalanceResponse) error {
	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	col := 'A'
	for _, h := range unpaidBalanceHeadings {
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
	w.Header().Set("Content-Disposition", "attachment; filename=unpaid-balances.xlsx")
	return f.Write(w)
}
