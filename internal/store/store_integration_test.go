//go:build integration
// +build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"flashmart/internal/domain"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		pgContainer, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:15"),
			postgres.WithDatabase("flashmart"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("securepassword"),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %s", err)
		}
		t.Cleanup(func() { pgContainer.Terminate(ctx) })

		dbURL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %s", err)
		}
	}

	st, err := New(dbURL)
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to ensure schema: %s", err)
	}
	st.DB().ExecContext(ctx, `TRUNCATE coupons, user_coupons, products, orders,
		order_items, order_payments, point_histories, outbox_events, failed_events
		RESTART IDENTITY CASCADE`)
	return st
}

func seedCoupon(ctx context.Context, t *testing.T, st *Store, maxIssue int) *domain.Coupon {
	t.Helper()
	now := time.Now()
	c, err := domain.NewCoupon("integration coupon", domain.DiscountFixed, 1000, maxIssue,
		now.Add(-time.Hour), now.Add(time.Hour), 7)
	if err != nil {
		t.Fatalf("new coupon: %s", err)
	}
	created, err := st.CreateCoupon(ctx, c)
	if err != nil {
		t.Fatalf("create coupon: %s", err)
	}
	return created
}

func TestIssueUserCouponIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(ctx, t)
	c := seedCoupon(ctx, t, st, 10)
	expiresAt := time.Now().Add(7 * 24 * time.Hour)

	created, err := st.IssueUserCoupon(ctx, c.ID, 42, expiresAt)
	if err != nil {
		t.Fatalf("issue failed: %s", err)
	}
	if !created {
		t.Fatal("expected first issue to create a row")
	}

	// Same (user, coupon) again: the unique constraint absorbs it.
	created, err = st.IssueUserCoupon(ctx, c.ID, 42, expiresAt)
	if err != nil {
		t.Fatalf("duplicate issue errored: %s", err)
	}
	if created {
		t.Fatal("duplicate issue must not create a row")
	}

	got, err := st.GetCoupon(ctx, c.ID)
	if err != nil {
		t.Fatalf("get coupon: %s", err)
	}
	if got.CurrentIssueCount != 1 {
		t.Fatalf("duplicate must not increment counter, got %d", got.CurrentIssueCount)
	}

	count, err := st.CountIssued(ctx, c.ID)
	if err != nil {
		t.Fatalf("count issued: %s", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 allocation, got %d", count)
	}
}

func TestIssuedUserIDsMatchesAllocations(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(ctx, t)
	c := seedCoupon(ctx, t, st, 10)
	expiresAt := time.Now().Add(time.Hour)

	for _, userID := range []int64{1, 2, 3} {
		if _, err := st.IssueUserCoupon(ctx, c.ID, userID, expiresAt); err != nil {
			t.Fatalf("issue for %d: %s", userID, err)
		}
	}

	ids, err := st.IssuedUserIDs(ctx, c.ID)
	if err != nil {
		t.Fatalf("issued user ids: %s", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
}

func TestUserCouponLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(ctx, t)
	c := seedCoupon(ctx, t, st, 10)

	if _, err := st.IssueUserCoupon(ctx, c.ID, 42, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("issue: %s", err)
	}
	uc, err := st.GetUserCoupon(ctx, 42, c.ID)
	if err != nil {
		t.Fatalf("get user coupon: %s", err)
	}
	if uc.Status != domain.UserCouponAvailable {
		t.Fatalf("expected AVAILABLE, got %s", uc.Status)
	}

	if err := uc.Use(time.Now()); err != nil {
		t.Fatalf("use: %s", err)
	}
	if err := st.UpdateUserCoupon(ctx, uc); err != nil {
		t.Fatalf("update: %s", err)
	}

	got, err := st.GetUserCouponByID(ctx, uc.ID)
	if err != nil {
		t.Fatalf("get by id: %s", err)
	}
	if got.Status != domain.UserCouponUsed || got.UsedAt == nil {
		t.Fatalf("expected USED with used_at, got %+v", got)
	}
}

func TestApplyPaymentPersistsUserCouponID(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(ctx, t)
	c := seedCoupon(ctx, t, st, 10)

	if _, err := st.IssueUserCoupon(ctx, c.ID, 42, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("issue: %s", err)
	}
	uc, err := st.GetUserCoupon(ctx, 42, c.ID)
	if err != nil {
		t.Fatalf("get user coupon: %s", err)
	}

	order := &domain.Order{OrderNumber: "ord-coupon", UserID: 42, Status: domain.OrderPending}
	items := []domain.OrderItem{{ProductID: 1, Quantity: 2, UnitPrice: 1000}}
	pay := &domain.OrderPayment{OriginalAmount: 2000, FinalAmount: 2000, Status: domain.PaymentPending}
	if _, err := st.CreateOrder(ctx, order, items, pay); err != nil {
		t.Fatalf("create order: %s", err)
	}

	now := time.Now()
	if err := uc.Use(now); err != nil {
		t.Fatalf("use coupon: %s", err)
	}
	if err := pay.Complete(1000, 0, now); err != nil {
		t.Fatalf("complete payment: %s", err)
	}
	pay.UserCouponID = &uc.ID
	order.Status = domain.OrderPaid
	if err := st.ApplyPayment(ctx, PaymentApplication{
		Order: order, Payment: pay, UsedCoupon: uc, PaidAt: now,
	}); err != nil {
		t.Fatalf("apply payment: %s", err)
	}

	// The coupon reference must survive the round trip; cancellation
	// reads it back to find the allocation to restore.
	reloaded, err := st.GetOrderPayment(ctx, order.ID)
	if err != nil {
		t.Fatalf("reload payment: %s", err)
	}
	if reloaded.UserCouponID == nil || *reloaded.UserCouponID != uc.ID {
		t.Fatalf("expected user_coupon_id %d persisted, got %v", uc.ID, reloaded.UserCouponID)
	}

	restored, err := st.GetUserCouponByID(ctx, *reloaded.UserCouponID)
	if err != nil {
		t.Fatalf("load coupon for restore: %s", err)
	}
	if err := restored.Restore(); err != nil {
		t.Fatalf("restore: %s", err)
	}
	order.Status = domain.OrderCancelled
	reloaded.Status = domain.PaymentCancelled
	if err := st.ApplyPayment(ctx, PaymentApplication{
		Order: order, Payment: reloaded, UsedCoupon: restored, PaidAt: time.Now(),
	}); err != nil {
		t.Fatalf("apply cancellation: %s", err)
	}
	got, err := st.GetUserCouponByID(ctx, uc.ID)
	if err != nil {
		t.Fatalf("reload coupon: %s", err)
	}
	if got.Status != domain.UserCouponAvailable {
		t.Fatalf("cancelled order must restore the coupon, got %s", got.Status)
	}
}

func TestOutboxEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(ctx, t)

	e, err := st.SaveOutboxEvent(ctx, domain.NewOutboxEvent("ORDER_COMPLETED", `{"orderId":1}`))
	if err != nil {
		t.Fatalf("save: %s", err)
	}

	pending, err := st.FindOutboxByStatus(ctx, domain.OutboxPending)
	if err != nil {
		t.Fatalf("find pending: %s", err)
	}
	if len(pending) != 1 || pending[0].ID != e.ID {
		t.Fatalf("expected the saved event, got %+v", pending)
	}

	e.MarkSent(time.Now())
	if _, err := st.SaveOutboxEvent(ctx, e); err != nil {
		t.Fatalf("update: %s", err)
	}
	pending, _ = st.FindOutboxByStatus(ctx, domain.OutboxPending)
	if len(pending) != 0 {
		t.Fatal("sent event must leave the pending set")
	}
}

func TestFindRetryableFailedEventsHonorsSchedule(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(ctx, t)
	base := 30 * time.Second

	e, err := st.SaveFailedEvent(ctx,
		domain.NewFailedEvent("coupon-issue", "1", `{"coupon_id":1,"user_id":2}`, "boom", 3, base))
	if err != nil {
		t.Fatalf("save: %s", err)
	}

	due, err := st.FindRetryableFailedEvents(ctx, time.Now())
	if err != nil {
		t.Fatalf("find due: %s", err)
	}
	if len(due) != 0 {
		t.Fatal("event inside its backoff must not be due")
	}

	due, err = st.FindRetryableFailedEvents(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("find due: %s", err)
	}
	if len(due) != 1 || due[0].ID != e.ID {
		t.Fatalf("expected the failed event to be due, got %+v", due)
	}

	// Terminal events are never returned.
	e.BeginRetry(time.Now())
	e.RetryCount = e.MaxRetryCount
	e.MarkFailed("boom", time.Now(), base)
	if _, err := st.SaveFailedEvent(ctx, e); err != nil {
		t.Fatalf("update: %s", err)
	}
	due, _ = st.FindRetryableFailedEvents(ctx, time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Fatal("abandoned event must never be due")
	}
}

func TestProductStockRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(ctx, t)

	p, err := st.CreateProduct(ctx, &domain.Product{
		Name: "widget", Price: 1000, Stock: 10, Status: domain.ProductActive,
	})
	if err != nil {
		t.Fatalf("create product: %s", err)
	}

	if err := p.ReduceStock(4); err != nil {
		t.Fatalf("reduce: %s", err)
	}
	if err := st.UpdateProductStock(ctx, p); err != nil {
		t.Fatalf("update stock: %s", err)
	}

	got, err := st.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("get product: %s", err)
	}
	if got.Stock != 6 {
		t.Fatalf("expected stock 6, got %d", got.Stock)
	}
}
