package queue

import (
	"testing"

	"flashmart/internal/log"
)

func testQueue(partitions int) *Queue {
	return &Queue{partitions: partitions, logger: log.NewLogger()}
}

func TestPartitionIsStable(t *testing.T) {
	q := testQueue(4)
	for _, key := range []string{"1", "42", "coupon-7", ""} {
		first := q.Partition(key)
		for i := 0; i < 100; i++ {
			if got := q.Partition(key); got != first {
				t.Fatalf("partition for %q changed from %d to %d", key, first, got)
			}
		}
	}
}

func TestPartitionWithinRange(t *testing.T) {
	q := testQueue(4)
	for i := 0; i < 1000; i++ {
		key := string(rune('a' + i%26))
		p := q.Partition(key)
		if p < 0 || p >= 4 {
			t.Fatalf("partition %d out of range for key %q", p, key)
		}
	}
}

func TestPartitionSpreadsKeys(t *testing.T) {
	q := testQueue(8)
	seen := make(map[int]bool)
	for i := 0; i < 10000; i++ {
		seen[q.Partition(string(rune(i)))] = true
	}
	if len(seen) != 8 {
		t.Fatalf("expected all 8 partitions used, got %d", len(seen))
	}
}
