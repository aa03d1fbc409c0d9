package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"flashmart/internal/domain"
	"flashmart/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	issuedKeyFmt = "coupon:%d:issued"
	infoKeyFmt   = "coupon:%d:info"
)

// tryAdmitScript runs the duplicate check, the capacity check and the
// membership add as one atomic operation. Two callers racing for the
// last unit can never both pass.
var tryAdmitScript = redis.NewScript(`
local issuedKey = KEYS[1]
local userId = ARGV[1]
local maxCount = tonumber(ARGV[2])

if redis.call('SISMEMBER', issuedKey, userId) == 1 then
    return 'ALREADY_ISSUED'
end

if redis.call('SCARD', issuedKey) >= maxCount then
    return 'SOLD_OUT'
end

redis.call('SADD', issuedKey, userId)
return 'ADMITTED'
`)

// Metadata is the expendable shadow of a coupon's issuance policy.
// It is always reconstructable from the durable store.
type Metadata struct {
	MaxIssueCount int
	IssueStartAt  time.Time
	IssueEndAt    time.Time
}

func (m Metadata) WithinWindow(now time.Time) bool {
	return !now.Before(m.IssueStartAt) && !now.After(m.IssueEndAt)
}

// Cache makes the fast, provisional admission decision for coupon
// issuance. It fails closed: any Redis error surfaces as
// domain.ErrAdmissionUnavailable rather than falling through to the
// durable store.
type Cache struct {
	rdb    *redis.Client
	logger *log.Logger
	group  singleflight.Group
}

func NewCache(rdb *redis.Client, logger *log.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

// TryAdmit atomically admits the user or rejects with AlreadyIssued /
// SoldOut.
func (c *Cache) TryAdmit(ctx context.Context, couponID, userID int64, maxCount int) (domain.IssueResult, error) {
	result, err := tryAdmitScript.Run(ctx, c.rdb,
		[]string{issuedKey(couponID)},
		strconv.FormatInt(userID, 10),
		strconv.Itoa(maxCount),
	).Text()
	if err != nil {
		c.logger.Error("Admission script failed", zap.Int64("coupon_id", couponID), zap.Error(err))
		return "", fmt.Errorf("%w: %v", domain.ErrAdmissionUnavailable, err)
	}

	switch result {
	case "ALREADY_ISSUED":
		return domain.IssueAlreadyIssued, nil
	case "SOLD_OUT":
		return domain.IssueSoldOut, nil
	default:
		return domain.IssueAdmitted, nil
	}
}

// Revoke removes a provisional admission, reconciling the fast path
// after the durable commit rejected the allocation.
func (c *Cache) Revoke(ctx context.Context, couponID, userID int64) error {
	if err := c.rdb.SRem(ctx, issuedKey(couponID), strconv.FormatInt(userID, 10)).Err(); err != nil {
		return fmt.Errorf("revoke admission: %w", err)
	}
	return nil
}

func (c *Cache) IsAdmitted(ctx context.Context, couponID, userID int64) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, issuedKey(couponID), strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrAdmissionUnavailable, err)
	}
	return ok, nil
}

func (c *Cache) AdmittedCount(ctx context.Context, couponID int64) (int64, error) {
	count, err := c.rdb.SCard(ctx, issuedKey(couponID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrAdmissionUnavailable, err)
	}
	return count, nil
}

func (c *Cache) GetMetadata(ctx context.Context, couponID int64) (*Metadata, error) {
	entries, err := c.rdb.HGetAll(ctx, infoKey(couponID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAdmissionUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	maxCount, err := strconv.Atoi(entries["max_issue_count"])
	if err != nil {
		return nil, fmt.Errorf("parse max_issue_count: %w", err)
	}
	startAt, err := time.Parse(time.RFC3339, entries["issue_start_at"])
	if err != nil {
		return nil, fmt.Errorf("parse issue_start_at: %w", err)
	}
	endAt, err := time.Parse(time.RFC3339, entries["issue_end_at"])
	if err != nil {
		return nil, fmt.Errorf("parse issue_end_at: %w", err)
	}
	return &Metadata{MaxIssueCount: maxCount, IssueStartAt: startAt, IssueEndAt: endAt}, nil
}

func (c *Cache) SetMetadata(ctx context.Context, couponID int64, meta Metadata, extraTTL time.Duration) error {
	key := infoKey(couponID)
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"max_issue_count": strconv.Itoa(meta.MaxIssueCount),
		"issue_start_at":  meta.IssueStartAt.Format(time.RFC3339),
		"issue_end_at":    meta.IssueEndAt.Format(time.RFC3339),
	})
	if ttl := time.Until(meta.IssueEndAt) + extraTTL; ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// LoadMetadata returns the cached metadata, loading it via loader on a
// miss. Concurrent callers for the same coupon coalesce into a single
// load; the others wait for its result.
func (c *Cache) LoadMetadata(ctx context.Context, couponID int64, extraTTL time.Duration,
	loader func(context.Context) (*Metadata, error)) (*Metadata, error) {

	meta, err := c.GetMetadata(ctx, couponID)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		return meta, nil
	}

	v, err, _ := c.group.Do(strconv.FormatInt(couponID, 10), func() (interface{}, error) {
		loaded, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.SetMetadata(ctx, couponID, *loaded, extraTTL); err != nil {
			c.logger.Warn("Failed to cache coupon metadata", zap.Int64("coupon_id", couponID), zap.Error(err))
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

// Initialize resets the admission state for a coupon and seeds the
// membership set from the durable store, e.g. after a cache loss.
func (c *Cache) Initialize(ctx context.Context, couponID int64, issuedUserIDs []int64) error {
	key := issuedKey(couponID)
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, key)
	if len(issuedUserIDs) > 0 {
		members := make([]interface{}, len(issuedUserIDs))
		for i, id := range issuedUserIDs {
			members[i] = strconv.FormatInt(id, 10)
		}
		pipe.SAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("initialize coupon admission: %w", err)
	}
	return nil
}

func issuedKey(couponID int64) string {
	return fmt.Sprintf(issuedKeyFmt, couponID)
}

func infoKey(couponID int64) string {
	return fmt.Sprintf(infoKeyFmt, couponID)
}
