package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"bitbucket.org/mmdatafocus/billing_backend/workflow"
	"github.com/shopspring/decimal"
)

// End-to-end lifecycle regression: order -> invoice -> payments -> receipt ->
// refund, plus webhook idempotency under parallel delivery and the overdue
// sweep. Requires Docker.
//
// Usage: INTEGRATION_TESTS=1 go test ./models -run BillingLifecycle -v
func TestBillingLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "billing_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if err := config.ClearRedis(ctx); err != nil {
		t.Fatalf("flush redis: %v", err)
	}

	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUsernameInContext(ctx, "test@local")

	d := decimal.RequireFromString
	taxRate := d("0.20")

	// Order with line items summing to 100.00 at 20% tax.
	order, err := models.CreateOrder(ctx, &models.NewOrder{
		Currency:    "EUR",
		TaxRate:     &taxRate,
		BillingName: "Acme GmbH",
		Items: []models.NewOrderItem{
			{Name: "Seat A", Qty: d("2"), UnitPrice: d("30.00")},
			{Name: "Seat B", Qty: d("1"), UnitPrice: d("40.00")},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !order.Subtotal.Equal(d("100.00")) || !order.TaxAmount.Equal(d("20.00")) || !order.Total.Equal(d("120.00")) {
		t.Fatalf("order totals wrong: subtotal=%s tax=%s total=%s",
			order.Subtotal, order.TaxAmount, order.Total)
	}
	if order.Status != models.OrderStatusDraft {
		t.Fatalf("new order expected draft, got %s", order.Status)
	}
	if !strings.HasPrefix(order.OrderNumber, "ORD-") {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}

	if _, err := models.ConfirmOrder(ctx, order.ID); err != nil {
		t.Fatalf("ConfirmOrder: %v", err)
	}

	invoice, err := models.CreateInvoiceFromOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("CreateInvoiceFromOrder: %v", err)
	}
	if !invoice.Total.Equal(d("120.00")) || invoice.Currency != "EUR" {
		t.Fatalf("invoice totals wrong: total=%s currency=%s", invoice.Total, invoice.Currency)
	}
	if invoice.BillingName != "Acme GmbH" {
		t.Fatalf("billing snapshot not copied, got %q", invoice.BillingName)
	}

	if _, err := models.SendInvoice(ctx, invoice.ID, "billing@acme.test"); err != nil {
		t.Fatalf("SendInvoice: %v", err)
	}

	// Two partial payments of 60.00; only the second flips the invoice paid.
	if _, err := models.RecordPayment(ctx, invoice.ID, &models.NewTransaction{Amount: d("60.00")}); err != nil {
		t.Fatalf("first RecordPayment: %v", err)
	}
	after1, err := models.GetInvoice(ctx, invoice.ID)
	if err != nil {
		t.Fatalf("GetInvoice after first payment: %v", err)
	}
	if after1.Status != models.InvoiceStatusSent {
		t.Fatalf("invoice must stay sent after partial payment, got %s", after1.Status)
	}
	if !after1.PaidAmount.Equal(d("60.00")) {
		t.Fatalf("paid_amount expected 60.00, got %s", after1.PaidAmount)
	}
	if after1.ReceiptStatus != models.ReceiptStatusPartiallyPaid {
		t.Fatalf("receipt_status expected partially_paid, got %s", after1.ReceiptStatus)
	}
	if after1.ReceiptNumber != nil {
		t.Fatalf("no receipt number expected before full payment, got %v", after1.ReceiptNumber)
	}

	if _, err := models.RecordPayment(ctx, invoice.ID, &models.NewTransaction{Amount: d("60.00")}); err != nil {
		t.Fatalf("second RecordPayment: %v", err)
	}
	after2, err := models.GetInvoice(ctx, invoice.ID)
	if err != nil {
		t.Fatalf("GetInvoice after second payment: %v", err)
	}
	if after2.Status != models.InvoiceStatusPaid {
		t.Fatalf("invoice expected paid after full collection, got %s", after2.Status)
	}
	if !after2.PaidAmount.Equal(d("120.00")) {
		t.Fatalf("paid_amount expected 120.00, got %s", after2.PaidAmount)
	}
	if after2.ReceiptNumber == nil || !strings.HasPrefix(*after2.ReceiptNumber, "RCP-") {
		t.Fatalf("receipt number expected on full payment, got %v", after2.ReceiptNumber)
	}
	if after2.ReceiptStatus != models.ReceiptStatusPaid {
		t.Fatalf("receipt_status expected paid, got %s", after2.ReceiptStatus)
	}

	// The linked order cascades to paid.
	paidOrder, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder after payment: %v", err)
	}
	if paidOrder.Status != models.OrderStatusPaid {
		t.Fatalf("linked order expected paid, got %s", paidOrder.Status)
	}

	// Cancelling a paid order must fail without changing state.
	if _, err := models.CancelOrder(ctx, order.ID, nil); err == nil {
		t.Fatal("CancelOrder on paid order must fail")
	}

	// Full refund voids the invoice, zeros paid_amount, flips the receipt.
	if _, err := models.RecordRefund(ctx, invoice.ID, &models.NewTransaction{Amount: d("120.00")}); err != nil {
		t.Fatalf("RecordRefund: %v", err)
	}
	refunded, err := models.GetInvoice(ctx, invoice.ID)
	if err != nil {
		t.Fatalf("GetInvoice after refund: %v", err)
	}
	if !refunded.PaidAmount.IsZero() {
		t.Fatalf("paid_amount expected 0 after full refund, got %s", refunded.PaidAmount)
	}
	if refunded.Status != models.InvoiceStatusVoid {
		t.Fatalf("invoice expected void after full refund, got %s", refunded.Status)
	}
	if refunded.ReceiptStatus != models.ReceiptStatusRefunded {
		t.Fatalf("receipt_status expected refunded, got %s", refunded.ReceiptStatus)
	}
	refundedOrder, err := models.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder after refund: %v", err)
	}
	if refundedOrder.Status != models.OrderStatusRefunded {
		t.Fatalf("linked order expected refunded, got %s", refundedOrder.Status)
	}

	// Refund exceeding the collected amount is rejected.
	if _, err := models.RecordRefund(ctx, invoice.ID, &models.NewTransaction{Amount: d("1.00")}); err == nil {
		t.Fatal("refund beyond paid_amount must fail")
	}

	t.Run("parallel webhook delivery records exactly one transaction", func(t *testing.T) {
		testParallelWebhookDelivery(t, ctx)
	})

	t.Run("overdue sweep flips past-due sent invoices", func(t *testing.T) {
		testOverdueSweep(t, ctx)
	})
}

func testParallelWebhookDelivery(t *testing.T, ctx context.Context) {
	d := decimal.RequireFromString
	db := config.GetDB()

	inv, err := models.CreateInvoice(ctx, &models.NewInvoice{
		Currency: "EUR",
		Subtotal: d("120.00"),
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := models.SendInvoice(ctx, inv.ID, "webhook@acme.test"); err != nil {
		t.Fatalf("SendInvoice: %v", err)
	}

	event := models.NormalizedEvent{
		Provider: "stripe",
		EventID:  "evt_parallel_1",
		Type:     "checkout.completed",
		Data: map[string]interface{}{
			"invoice_id":   float64(inv.ID),
			"amount_total": float64(12000),
		},
	}

	var wg sync.WaitGroup
	results := make([]workflow.WebhookResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = workflow.ProcessWebhook(context.Background(), event)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res.Retriable {
			t.Fatalf("delivery %d unexpectedly retriable: %+v", i, res)
		}
	}

	var count int64
	if err := db.Model(&models.Transaction{}).Where("invoice_id = ?", inv.ID).Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 transaction, got %d", count)
	}

	// Redelivery of the processed event is acknowledged as a duplicate.
	res := workflow.ProcessWebhook(context.Background(), event)
	if !res.Duplicate {
		t.Fatalf("redelivery expected duplicate, got %+v", res)
	}
}

func testOverdueSweep(t *testing.T, ctx context.Context) {
	d := decimal.RequireFromString
	db := config.GetDB()

	inv, err := models.CreateInvoice(ctx, &models.NewInvoice{
		Currency: "EUR",
		Subtotal: d("50.00"),
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if _, err := models.SendInvoice(ctx, inv.ID, "late@acme.test"); err != nil {
		t.Fatalf("SendInvoice: %v", err)
	}

	// Backdate the due date past the sweep boundary.
	past := time.Now().UTC().Add(-48 * time.Hour)
	if err := db.Model(&models.Invoice{}).Where("id = ?", inv.ID).
		Update("due_date", past).Error; err != nil {
		t.Fatalf("backdate due_date: %v", err)
	}

	sweepCtx := utils.SetSystemActorInContext(context.Background())
	flipped, err := models.MarkOverdueInvoices(sweepCtx)
	if err != nil {
		t.Fatalf("MarkOverdueInvoices: %v", err)
	}
	if flipped < 1 {
		t.Fatalf("expected at least 1 invoice flipped, got %d", flipped)
	}

	after, err := models.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice after sweep: %v", err)
	}
	if after.Status != models.InvoiceStatusOverdue {
		t.Fatalf("invoice expected overdue, got %s", after.Status)
	}

	// Overdue invoices still accept payment and settle.
	if _, err := models.RecordPayment(ctx, inv.ID, &models.NewTransaction{Amount: d("50.00")}); err != nil {
		t.Fatalf("RecordPayment on overdue invoice: %v", err)
	}
	settled, err := models.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvoice after settling: %v", err)
	}
	if settled.Status != models.InvoiceStatusPaid {
		t.Fatalf("overdue invoice expected paid after settlement, got %s", settled.Status)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("billing-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
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
	// wait until ready
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
	// Example: "127.0.0.1:49154\n"
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
