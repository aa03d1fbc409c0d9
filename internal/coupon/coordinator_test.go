package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"flashmart/internal/admission"
	"flashmart/internal/domain"
	"flashmart/internal/log"
)

// fakeCache mirrors the Redis admission semantics in memory.
type fakeCache struct {
	mu      sync.Mutex
	issued  map[int64]map[int64]bool
	meta    map[int64]*admission.Metadata
	failing bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		issued: make(map[int64]map[int64]bool),
		meta:   make(map[int64]*admission.Metadata),
	}
}

func (f *fakeCache) TryAdmit(ctx context.Context, couponID, userID int64, maxCount int) (domain.IssueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return "", domain.ErrAdmissionUnavailable
	}
	set := f.issued[couponID]
	if set == nil {
		set = make(map[int64]bool)
		f.issued[couponID] = set
	}
	if set[userID] {
		return domain.IssueAlreadyIssued, nil
	}
	if len(set) >= maxCount {
		return domain.IssueSoldOut, nil
	}
	set[userID] = true
	return domain.IssueAdmitted, nil
}

func (f *fakeCache) Revoke(ctx context.Context, couponID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.issued[couponID], userID)
	return nil
}

func (f *fakeCache) IsAdmitted(ctx context.Context, couponID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued[couponID][userID], nil
}

func (f *fakeCache) AdmittedCount(ctx context.Context, couponID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.issued[couponID])), nil
}

func (f *fakeCache) LoadMetadata(ctx context.Context, couponID int64, extraTTL time.Duration,
	loader func(context.Context) (*admission.Metadata, error)) (*admission.Metadata, error) {
	f.mu.Lock()
	meta := f.meta[couponID]
	f.mu.Unlock()
	if meta != nil {
		return meta, nil
	}
	loaded, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.meta[couponID] = loaded
	f.mu.Unlock()
	return loaded, nil
}

func (f *fakeCache) Initialize(ctx context.Context, couponID int64, issuedUserIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[int64]bool, len(issuedUserIDs))
	for _, id := range issuedUserIDs {
		set[id] = true
	}
	f.issued[couponID] = set
	return nil
}

// fakeStore keeps coupons and allocations in memory.
type fakeStore struct {
	mu      sync.Mutex
	coupons map[int64]*domain.Coupon
	allocs  map[int64]map[int64]*domain.UserCoupon
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		coupons: make(map[int64]*domain.Coupon),
		allocs:  make(map[int64]map[int64]*domain.UserCoupon),
	}
}

func (f *fakeStore) addCoupon(c *domain.Coupon) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coupons[c.ID] = c
}

func (f *fakeStore) GetCoupon(ctx context.Context, couponID int64) (*domain.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.coupons[couponID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) GetUserCoupon(ctx context.Context, userID, couponID int64) (*domain.UserCoupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.allocs[couponID][userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return uc, nil
}

func (f *fakeStore) GetUserCouponByID(ctx context.Context, userCouponID int64) (*domain.UserCoupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, byUser := range f.allocs {
		for _, uc := range byUser {
			if uc.ID == userCouponID {
				return uc, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) ListUserCoupons(ctx context.Context, userID int64) ([]domain.UserCoupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UserCoupon
	for _, byUser := range f.allocs {
		if uc, ok := byUser[userID]; ok {
			out = append(out, *uc)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateUserCoupon(ctx context.Context, uc *domain.UserCoupon) error {
	return nil
}

func (f *fakeStore) IssueUserCoupon(ctx context.Context, couponID, userID int64, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byUser := f.allocs[couponID]
	if byUser == nil {
		byUser = make(map[int64]*domain.UserCoupon)
		f.allocs[couponID] = byUser
	}
	if _, exists := byUser[userID]; exists {
		return false, nil
	}
	f.nextID++
	byUser[userID] = &domain.UserCoupon{
		ID:        f.nextID,
		UserID:    userID,
		CouponID:  couponID,
		Status:    domain.UserCouponAvailable,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}
	f.coupons[couponID].CurrentIssueCount++
	return true, nil
}

func (f *fakeStore) IssuedUserIDs(ctx context.Context, couponID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for userID := range f.allocs[couponID] {
		ids = append(ids, userID)
	}
	return ids, nil
}

// fakePublisher records published messages; it can be scripted to fail.
type fakePublisher struct {
	mu       sync.Mutex
	messages []domain.CouponIssueMessage
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, key, topic string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, payload.(domain.CouponIssueMessage))
	return nil
}

// fakeLocker serializes callers per key with plain mutexes.
type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[string]*sync.Mutex)}
}

func (f *fakeLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	l := f.locks[key]
	if l == nil {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func testCoupon(id int64, maxIssue int) *domain.Coupon {
	now := time.Now()
	return &domain.Coupon{
		ID:              id,
		Name:            "test coupon",
		DiscountType:    domain.DiscountFixed,
		DiscountValue:   1000,
		MaxIssueCount:   maxIssue,
		IssueStartAt:    now.Add(-time.Hour),
		IssueEndAt:      now.Add(time.Hour),
		ValidPeriodDays: 7,
		Status:          domain.CouponActive,
	}
}

func newTestService(st *fakeStore, cache *fakeCache, pub *fakePublisher) *Service {
	return NewService(st, cache, pub, newFakeLocker(), time.Hour, nil, log.NewLogger())
}

func TestRequestIssueAdmitsUpToCapacity(t *testing.T) {
	st := newFakeStore()
	st.addCoupon(testCoupon(1, 5))
	cache := newFakeCache()
	pub := &fakePublisher{}
	svc := newTestService(st, cache, pub)

	ctx := context.Background()
	results := make(map[domain.IssueResult]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for userID := int64(1); userID <= 20; userID++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			result, err := svc.RequestIssue(ctx, userID, 1)
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

	if results[domain.IssueAdmitted] != 5 {
		t.Fatalf("expected 5 admitted, got %d", results[domain.IssueAdmitted])
	}
	if results[domain.IssueSoldOut] != 15 {
		t.Fatalf("expected 15 sold out, got %d", results[domain.IssueSoldOut])
	}
	if len(pub.messages) != 5 {
		t.Fatalf("expected 5 queued commits, got %d", len(pub.messages))
	}
}

func TestRequestIssueRejectsDuplicate(t *testing.T) {
	st := newFakeStore()
	st.addCoupon(testCoupon(1, 5))
	svc := newTestService(st, newFakeCache(), &fakePublisher{})

	ctx := context.Background()
	first, err := svc.RequestIssue(ctx, 42, 1)
	if err != nil || first != domain.IssueAdmitted {
		t.Fatalf("expected first request admitted, got %s %v", first, err)
	}
	second, err := svc.RequestIssue(ctx, 42, 1)
	if err != nil || second != domain.IssueAlreadyIssued {
		t.Fatalf("expected duplicate rejected, got %s %v", second, err)
	}
}

func TestRequestIssueUnknownCoupon(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeCache(), &fakePublisher{})

	result, err := svc.RequestIssue(context.Background(), 1, 999)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if result != domain.IssueInvalidCoupon {
		t.Fatalf("expected INVALID_COUPON, got %s", result)
	}
}

func TestRequestIssueOutsideWindow(t *testing.T) {
	st := newFakeStore()
	c := testCoupon(1, 5)
	c.IssueStartAt = time.Now().Add(time.Hour)
	c.IssueEndAt = time.Now().Add(2 * time.Hour)
	st.addCoupon(c)
	svc := newTestService(st, newFakeCache(), &fakePublisher{})

	result, err := svc.RequestIssue(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if result != domain.IssueInvalidCoupon {
		t.Fatalf("expected INVALID_COUPON outside window, got %s", result)
	}
}

func TestRequestIssueRevokesOnPublishFailure(t *testing.T) {
	st := newFakeStore()
	st.addCoupon(testCoupon(1, 5))
	cache := newFakeCache()
	pub := &fakePublisher{err: errors.New("queue down")}
	svc := newTestService(st, cache, pub)

	ctx := context.Background()
	if _, err := svc.RequestIssue(ctx, 7, 1); err == nil {
		t.Fatal("expected error when publish fails")
	}

	admitted, _ := cache.IsAdmitted(ctx, 1, 7)
	if admitted {
		t.Fatal("admission must be revoked after publish failure")
	}

	// The unit is available again once the queue recovers.
	pub.err = nil
	result, err := svc.RequestIssue(ctx, 7, 1)
	if err != nil || result != domain.IssueAdmitted {
		t.Fatalf("expected re-admission after recovery, got %s %v", result, err)
	}
}

func TestRequestIssueFailsClosedWhenCacheDown(t *testing.T) {
	st := newFakeStore()
	st.addCoupon(testCoupon(1, 5))
	cache := newFakeCache()
	cache.failing = true
	svc := newTestService(st, cache, &fakePublisher{})

	_, err := svc.RequestIssue(context.Background(), 1, 1)
	if !errors.Is(err, domain.ErrAdmissionUnavailable) {
		t.Fatalf("expected ErrAdmissionUnavailable, got %v", err)
	}
}

func TestRebuildAdmissionRestoresMembership(t *testing.T) {
	st := newFakeStore()
	st.addCoupon(testCoupon(1, 10))
	cache := newFakeCache()
	svc := newTestService(st, cache, &fakePublisher{})

	ctx := context.Background()
	for _, userID := range []int64{1, 2, 3} {
		if _, err := st.IssueUserCoupon(ctx, 1, userID, time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("seed allocation: %s", err)
		}
	}

	if err := svc.RebuildAdmission(ctx, 1); err != nil {
		t.Fatalf("rebuild failed: %s", err)
	}
	for _, userID := range []int64{1, 2, 3} {
		admitted, _ := cache.IsAdmitted(ctx, 1, userID)
		if !admitted {
			t.Fatalf("user %d missing after rebuild", userID)
		}
	}
	count, _ := cache.AdmittedCount(ctx, 1)
	if count != 3 {
		t.Fatalf("expected 3 members after rebuild, got %d", count)
	}
}

func TestUseCouponRejectsNonOwner(t *testing.T) {
	st := newFakeStore()
	st.addCoupon(testCoupon(1, 5))
	svc := newTestService(st, newFakeCache(), &fakePublisher{})

	ctx := context.Background()
	if _, err := st.IssueUserCoupon(ctx, 1, 42, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("seed allocation: %s", err)
	}
	uc, err := st.GetUserCoupon(ctx, 42, 1)
	if err != nil {
		t.Fatalf("get allocation: %s", err)
	}

	if _, err := svc.UseCoupon(ctx, 7, uc.ID); !errors.Is(err, domain.ErrCouponNotUsable) {
		t.Fatalf("expected ErrCouponNotUsable for another user's allocation, got %v", err)
	}
	if uc.Status != domain.UserCouponAvailable {
		t.Fatalf("rejected use must not change status, got %s", uc.Status)
	}

	used, err := svc.UseCoupon(ctx, 42, uc.ID)
	if err != nil {
		t.Fatalf("owner use failed: %s", err)
	}
	if used.Status != domain.UserCouponUsed {
		t.Fatalf("expected USED, got %s", used.Status)
	}
}

func TestParseIssueMessage(t *testing.T) {
	payload, _ := json.Marshal(domain.CouponIssueMessage{CouponID: 9, UserID: 4})
	msg, err := ParseIssueMessage(payload)
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if msg.CouponID != 9 || msg.UserID != 4 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if _, err := ParseIssueMessage([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
