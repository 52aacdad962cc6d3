package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/alert-dispatch/internal/domain"
)

const defaultMaxEntries = 100_000

var _ Deduplicator = (*MemoryDeduplicator)(nil)

type memoryEntry struct {
	seen        bool
	firstSeenAt time.Time
	expiresAt   time.Time
}

// MemoryDeduplicator keeps claims and seen records in process memory.
// It is safe for concurrent use.
type MemoryDeduplicator struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	lease      time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemoryDeduplicator(lease time.Duration, maxEntries int) *MemoryDeduplicator {
	return newMemoryDeduplicator(lease, maxEntries, time.Now)
}

func newMemoryDeduplicator(lease time.Duration, maxEntries int, nowFn func() time.Time) *MemoryDeduplicator {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &MemoryDeduplicator{
		entries:    make(map[string]memoryEntry),
		lease:      lease,
		maxEntries: maxEntries,
		now:        nowFn,
	}
}

func (d *MemoryDeduplicator) ShouldDispatch(ctx context.Context, eventID string) (bool, error) {
	key, err := normalizeEventID(eventID)
	if err != nil {
		return false, err
	}

	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[key]
	if ok && now.Before(entry.expiresAt) {
		return false, nil
	}

	// live claims and seen records are never evicted
	if !ok && len(d.entries) >= d.maxEntries {
		d.pruneLocked(now)
		if len(d.entries) >= d.maxEntries {
			return false, fmt.Errorf("%w: %d live entries", ErrStoreFull, len(d.entries))
		}
	}

	d.entries[key] = memoryEntry{
		firstSeenAt: now,
		expiresAt:   now.Add(d.lease),
	}

	return true, nil
}

func (d *MemoryDeduplicator) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) error {
	key, err := normalizeEventID(eventID)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	firstSeenAt := now
	if entry, ok := d.entries[key]; ok {
		firstSeenAt = entry.firstSeenAt
	}

	d.entries[key] = memoryEntry{
		seen:        true,
		firstSeenAt: firstSeenAt,
		expiresAt:   now.Add(ttl),
	}

	return nil
}

func (d *MemoryDeduplicator) Release(ctx context.Context, eventID string) error {
	key, err := normalizeEventID(eventID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[key]; ok && !entry.seen {
		delete(d.entries, key)
	}

	return nil
}

// Records returns the live seen records, oldest first.
func (d *MemoryDeduplicator) Records(ctx context.Context) []domain.IdempotencyRecord {
	now := d.now()

	d.mu.Lock()
	records := make([]domain.IdempotencyRecord, 0, len(d.entries))
	for key, entry := range d.entries {
		if !entry.seen || !now.Before(entry.expiresAt) {
			continue
		}
		records = append(records, domain.IdempotencyRecord{
			EventID:     key,
			FirstSeenAt: entry.firstSeenAt,
			ExpiresAt:   entry.expiresAt,
		})
	}
	d.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].FirstSeenAt.Equal(records[j].FirstSeenAt) {
			return records[i].EventID < records[j].EventID
		}
		return records[i].FirstSeenAt.Before(records[j].FirstSeenAt)
	})

	return records
}

// Prune drops expired entries and reports how many were removed.
func (d *MemoryDeduplicator) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pruneLocked(now)
}

// Len reports the number of tracked ids, expired entries included.
func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.entries)
}

func (d *MemoryDeduplicator) pruneLocked(now time.Time) int {
	removed := 0
	for key, entry := range d.entries {
		if !now.Before(entry.expiresAt) {
			delete(d.entries, key)
			removed++
		}
	}
	return removed
}

func normalizeEventID(eventID string) (string, error) {
	key := strings.TrimSpace(eventID)
	if key == "" {
		return "", fmt.Errorf("%w: event id is required", domain.ErrValidation)
	}
	return key, nil
}
