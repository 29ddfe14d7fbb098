package workflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/nicepay"
	"github.com/thesikpan/billing_backend/utils"
)

// Full-cycle regression: register → schedule → decline to exhaustion →
// unpaid handoff → manual collection → settlement close.
//
// Usage:
// - Run (requires Docker): INTEGRATION_TESTS=1 go test ./workflow -run BillingCycle -v

type decliningProcessor struct {
	declines int
	seen     int
}

func (p *decliningProcessor) Charge(ctx context.Context, idempotencyKey, accountRef string, amount decimal.Decimal) (nicepay.Outcome, error) {
	p.seen++
	if p.seen <= p.declines {
		return nicepay.Outcome{Approved: false, ResultCode: "1001", ResultMessage: "insufficient funds"}, nil
	}
	return nicepay.Outcome{Approved: true, ProcessorTxId: "tid-" + idempotencyKey, ResultCode: "0000"}, nil
}

func (p *decliningProcessor) Query(ctx context.Context, processorTxId string) (nicepay.Outcome, error) {
	return nicepay.Outcome{Approved: false, ResultCode: "404"}, nil
}

func TestBillingCycle_ExhaustionToUnpaidToSettlement(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()
	logger := config.GetLogger()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "billing_test")
	t.Setenv("BILLING_MAX_RETRIES", "2")
	// No Redis in this suite: utils.ObtainLock degrades to no-op locking.
	t.Setenv("REDIS_ADDRESS", "")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	// Hierarchy: HQ -> delivery center -> institution -> classroom -> child.
	hq := models.Center{Name: "HQ", CenterType: models.CenterTypeHeadOffice, BusinessNumber: "100-00-00001"}
	if err := db.Create(&hq).Error; err != nil {
		t.Fatalf("create hq: %v", err)
	}
	center := models.Center{Name: "Delivery One", CenterType: models.CenterTypeDelivery, ParentId: &hq.ID, BusinessNumber: "100-00-00002"}
	if err := db.Create(&center).Error; err != nil {
		t.Fatalf("create center: %v", err)
	}
	institution := models.Institution{
		Name:             "Test Kindergarten",
		InstitutionType:  models.InstitutionTypeKindergarten,
		DeliveryCenterId: center.ID,
		ServiceStartDate: time.Now().UTC().AddDate(0, -2, 0),
	}
	if err := db.Create(&institution).Error; err != nil {
		t.Fatalf("create institution: %v", err)
	}
	classroom := models.Classroom{InstitutionId: institution.ID, Name: "A"}
	if err := db.Create(&classroom).Error; err != nil {
		t.Fatalf("create classroom: %v", err)
	}
	child := models.Child{
		Name:           "Test Child",
		ClassroomId:    classroom.ID,
		ParentName:     "Test Parent",
		ParentPhone:    "010-0000-0001",
		EnrollmentDate: time.Now().UTC().AddDate(0, -2, 0),
	}
	if err := db.Create(&child).Error; err != nil {
		t.Fatalf("create child: %v", err)
	}

	payer, err := RegisterPayer(ctx, db, logger, &models.NewPayer{
		ChildId:       child.ID,
		MemberId:      "ITEST-0001",
		BankCode:      "004",
		BankName:      "KB",
		AccountNumber: "110-0000001",
		AccountHolder: "Test Parent",
		PaymentDay:    25,
		MonthlyAmount: decimal.NewFromInt(120000),
	})
	if err != nil {
		t.Fatalf("RegisterPayer: %v", err)
	}
	if payer.CenterId != center.ID {
		t.Fatalf("payer center = %d, want %d", payer.CenterId, center.ID)
	}
	if err := ActivatePayer(ctx, db, logger, payer.ID); err != nil {
		t.Fatalf("ActivatePayer: %v", err)
	}

	billingDay := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	month := utils.MonthOf(billingDay)
	if _, err := OpenPeriod(ctx, db, logger, center.ID, month); err != nil {
		t.Fatalf("OpenPeriod: %v", err)
	}

	scheduled, err := ScheduleDue(db, logger, billingDay)
	if err != nil {
		t.Fatalf("ScheduleDue: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("scheduled %d transactions, want 1", len(scheduled))
	}
	txnID := scheduled[0].ID

	// Running the same day again must schedule nothing.
	again, err := ScheduleDue(db, logger, billingDay)
	if err != nil {
		t.Fatalf("ScheduleDue rerun: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("rerun scheduled %d transactions, want 0", len(again))
	}

	// Processor declines everything: initial + 2 retries exhausts the budget.
	proc := &decliningProcessor{declines: 100}
	if out, err := SubmitTransaction(ctx, db, logger, proc, txnID); err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	} else if out.Approved {
		t.Fatal("expected decline")
	}
	for i := 0; i < 2; i++ {
		if _, err := RetryTransaction(ctx, db, logger, proc, txnID); err != nil {
			t.Fatalf("RetryTransaction %d: %v", i+1, err)
		}
	}
	if _, err := RetryTransaction(ctx, db, logger, proc, txnID); err == nil {
		t.Fatal("expected retry rejection after exhaustion")
	}

	txn, err := models.GetTransactionById(db, txnID)
	if err != nil {
		t.Fatal(err)
	}
	if txn.Status != models.TransactionStatusFailed || txn.RetryCount != 2 {
		t.Fatalf("transaction = %s retries=%d, want FAILED retries=2", txn.Status, txn.RetryCount)
	}

	// Exhaustion must have produced exactly one unpaid row for the cycle.
	var unpaid models.UnpaidRecord
	if err := db.Where("child_id = ? AND unpaid_month = ?", child.ID, month).First(&unpaid).Error; err != nil {
		t.Fatalf("unpaid record missing: %v", err)
	}
	if !unpaid.UnpaidAmount.Equal(decimal.NewFromInt(120000)) {
		t.Fatalf("unpaid amount = %s, want 120000", unpaid.UnpaidAmount)
	}

	// Manual collection closes the unpaid row.
	if _, err := ApplyUnpaidPayment(ctx, db, logger, unpaid.ID, decimal.NewFromInt(120000), billingDay.AddDate(0, 0, 10)); err != nil {
		t.Fatalf("ApplyUnpaidPayment: %v", err)
	}

	// Settlement: one failed attempt, nothing collected via auto-debit.
	settlement, err := models.GetOpenSettlement(db, center.ID, month, false)
	if err != nil {
		t.Fatalf("settlement missing: %v", err)
	}
	if settlement.FailedCount != 1 || settlement.SuccessCount != 0 {
		t.Fatalf("settlement counts success=%d failed=%d, want 0/1", settlement.SuccessCount, settlement.FailedCount)
	}
	if !settlement.CollectedAmount.IsZero() {
		t.Fatalf("collected = %s, want 0", settlement.CollectedAmount)
	}

	if err := CompletePeriod(ctx, db, logger, settlement.ID); err != nil {
		t.Fatalf("CompletePeriod: %v", err)
	}
	closed, err := models.GetSettlementById(db, settlement.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != models.SettlementStatusCompleted || closed.CompletedAt == nil {
		t.Fatalf("settlement status = %s completedAt=%v", closed.Status, closed.CompletedAt)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("billing-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=billing_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
