//go:build integration
// +build integration

package coupon

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"flashmart/internal/admission"
	"flashmart/internal/domain"
	"flashmart/internal/lock"
	"flashmart/internal/log"
	"flashmart/internal/queue"
	"flashmart/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupBackends(ctx context.Context, t *testing.T) (*store.Store, *redis.Client) {
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

	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if redisAddr == "" {
		container, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		if err != nil {
			t.Fatalf("failed to start redis container: %s", err)
		}
		t.Cleanup(func() { container.Terminate(ctx) })
		redisAddr, err = container.Endpoint(ctx, "")
		if err != nil {
			t.Fatalf("failed to get redis endpoint: %s", err)
		}
	}

	st, err := store.New(dbURL)
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to ensure schema: %s", err)
	}
	st.DB().ExecContext(ctx, `TRUNCATE coupons, user_coupons, failed_events RESTART IDENTITY CASCADE`)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	rdb.FlushAll(ctx)
	t.Cleanup(func() { rdb.Close() })
	return st, rdb
}

func TestIssuePipelineCommitsExactlyCapacity(t *testing.T) {
	ctx := context.Background()
	st, rdb := setupBackends(ctx, t)
	logger := log.NewLogger()

	const capacity = 5
	now := time.Now()
	c, err := domain.NewCoupon("flash coupon", domain.DiscountFixed, 1000, capacity,
		now.Add(-time.Hour), now.Add(time.Hour), 7)
	if err != nil {
		t.Fatalf("new coupon: %s", err)
	}
	if _, err := st.CreateCoupon(ctx, c); err != nil {
		t.Fatalf("create coupon: %s", err)
	}

	cache := admission.NewCache(rdb, logger)
	locker := lock.NewExecutor(rdb, 5*time.Second, 10*time.Second, 10*time.Millisecond, logger)
	handler := NewCommitHandler(st, cache, locker, st, 3, time.Second, nil, logger)
	q := queue.New(rdb, 4, 10, 50*time.Millisecond, 3, 10*time.Millisecond,
		handler.Handle, handler.HandleDeadLetter, logger)
	svc := NewService(st, cache, q, locker, time.Hour, nil, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go q.Run(runCtx)

	var mu sync.Mutex
	results := make(map[domain.IssueResult]int)
	var wg sync.WaitGroup
	for userID := int64(1); userID <= 4*capacity; userID++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			result, err := svc.RequestIssue(ctx, userID, c.ID)
			if err != nil {
				t.Errorf("request issue failed: %s", err)
				return
			}
			mu.Lock()
			results[result]++
			mu.Unlock()
		}(userID)
	}
	wg.Wait()

	if results[domain.IssueAdmitted] != capacity {
		t.Fatalf("expected %d admitted, got %d", capacity, results[domain.IssueAdmitted])
	}
	if results[domain.IssueSoldOut] != 3*capacity {
		t.Fatalf("expected %d sold out, got %d", 3*capacity, results[domain.IssueSoldOut])
	}

	// Wait for the commit consumer to drain the queue.
	deadline := time.Now().Add(10 * time.Second)
	for {
		count, err := st.CountIssued(ctx, c.ID)
		if err != nil {
			t.Fatalf("count issued: %s", err)
		}
		if count == capacity || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	count, _ := st.CountIssued(ctx, c.ID)
	if count != capacity {
		t.Fatalf("expected %d committed allocations, got %d", capacity, count)
	}
	got, _ := st.GetCoupon(ctx, c.ID)
	if got.CurrentIssueCount != capacity {
		t.Fatalf("expected counter %d, got %d", capacity, got.CurrentIssueCount)
	}

	// The admission set and the durable store agree.
	admitted, err := cache.AdmittedCount(ctx, c.ID)
	if err != nil {
		t.Fatalf("admitted count: %s", err)
	}
	if admitted != capacity {
		t.Fatalf("expected admitted %d, got %d", capacity, admitted)
	}

	// A duplicate after the flood is still rejected.
	result, err := svc.RequestIssue(ctx, 1, c.ID)
	if err != nil || result != domain.IssueAlreadyIssued {
		t.Fatalf("expected duplicate rejection, got %s %v", result, err)
	}
}

func TestIssuePipelineRecoversAfterCacheLoss(t *testing.T) {
	ctx := context.Background()
	st, rdb := setupBackends(ctx, t)
	logger := log.NewLogger()

	now := time.Now()
	c, _ := domain.NewCoupon("rebuild coupon", domain.DiscountFixed, 1000, 10,
		now.Add(-time.Hour), now.Add(time.Hour), 7)
	if _, err := st.CreateCoupon(ctx, c); err != nil {
		t.Fatalf("create coupon: %s", err)
	}
	for _, userID := range []int64{1, 2, 3} {
		if _, err := st.IssueUserCoupon(ctx, c.ID, userID, now.Add(time.Hour)); err != nil {
			t.Fatalf("seed allocation: %s", err)
		}
	}

	cache := admission.NewCache(rdb, logger)
	locker := lock.NewExecutor(rdb, time.Second, 10*time.Second, 10*time.Millisecond, logger)
	handler := NewCommitHandler(st, cache, locker, st, 3, time.Second, nil, logger)
	q := queue.New(rdb, 2, 10, 50*time.Millisecond, 3, 10*time.Millisecond,
		handler.Handle, handler.HandleDeadLetter, logger)
	svc := NewService(st, cache, q, locker, time.Hour, nil, logger)

	// Simulate losing the cache, then rebuild from the store.
	rdb.FlushAll(ctx)
	if err := svc.RebuildAdmission(ctx, c.ID); err != nil {
		t.Fatalf("rebuild: %s", err)
	}

	// Existing holders are still rejected after the rebuild.
	result, err := svc.RequestIssue(ctx, 2, c.ID)
	if err != nil || result != domain.IssueAlreadyIssued {
		t.Fatalf("expected duplicate rejection after rebuild, got %s %v", result, err)
	}
	// New users are admitted against the restored membership.
	result, err = svc.RequestIssue(ctx, 99, c.ID)
	if err != nil || result != domain.IssueAdmitted {
		t.Fatalf("expected admission after rebuild, got %s %v", result, err)
	}
}
