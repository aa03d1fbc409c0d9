package ranking

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"flashmart/internal/log"

	"github.com/redis/go-redis/v9"
)

const keyFmt = "ranking:sales:%s"

// Board keeps daily sales counts in Redis sorted sets, one set per
// day. It is advisory state: losing it costs history, not correctness.
type Board struct {
	rdb    *redis.Client
	logger *log.Logger
}

func NewBoard(rdb *redis.Client, logger *log.Logger) *Board {
	return &Board{rdb: rdb, logger: logger}
}

func dayKey(t time.Time) string {
	return fmt.Sprintf(keyFmt, t.Format("20060102"))
}

// RecordSale adds quantity to today's score for the product. The daily
// set expires after the aggregation horizon passes.
func (b *Board) RecordSale(ctx context.Context, productID int64, quantity int, now time.Time) error {
	key := dayKey(now)
	pipe := b.rdb.Pipeline()
	pipe.ZIncrBy(ctx, key, float64(quantity), strconv.FormatInt(productID, 10))
	pipe.Expire(ctx, key, 8*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record sale: %w", err)
	}
	return nil
}

// Entry is one ranked product.
type Entry struct {
	ProductID int64 `json:"product_id"`
	SoldCount int64 `json:"sold_count"`
}

// Top aggregates the last days daily sets and returns the n
// best-selling products.
func (b *Board) Top(ctx context.Context, n, days int, now time.Time) ([]Entry, error) {
	keys := make([]string, 0, days)
	for i := 0; i < days; i++ {
		keys = append(keys, dayKey(now.AddDate(0, 0, -i)))
	}

	dest := fmt.Sprintf("ranking:sales:agg:%s:%d", now.Format("20060102"), days)
	if err := b.rdb.ZUnionStore(ctx, dest, &redis.ZStore{Keys: keys}).Err(); err != nil {
		return nil, fmt.Errorf("aggregate sales ranking: %w", err)
	}
	b.rdb.Expire(ctx, dest, time.Minute)

	scores, err := b.rdb.ZRevRangeWithScores(ctx, dest, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read sales ranking: %w", err)
	}

	entries := make([]Entry, 0, len(scores))
	for _, z := range scores {
		id, err := strconv.ParseInt(fmt.Sprint(z.Member), 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ProductID: id, SoldCount: int64(z.Score)})
	}
	return entries, nil
}
