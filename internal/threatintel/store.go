// Package threatintel maintains the indicator store the detection
// pipeline matches event attributes against. Lookups hit an in-memory
// index; the repository is the durable source and backfills misses.
package threatintel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const cleanupInterval = 10 * time.Minute

// Store is the threat intelligence indicator store. Expired entries
// are ignored at lookup and swept out by a background cleaner.
type Store struct {
	mu sync.RWMutex
	// index maps tenantID to indicator value to entry.
	index map[string]map[string]*domain.ThreatIntelEntry

	repo domain.Repository

	done      chan struct{}
	closeOnce sync.Once
}

// NewStore creates a store backed by the repository and starts the
// expiry cleaner.
func NewStore(repo domain.Repository) *Store {
	s := &Store{
		index: make(map[string]map[string]*domain.ThreatIntelEntry),
		repo:  repo,
		done:  make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Ingest validates and persists an indicator, then indexes it for
// lookups. Saving is an upsert by ID, so feeds can re-deliver entries.
func (s *Store) Ingest(ctx context.Context, tenantID string, entry *domain.ThreatIntelEntry) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if entry == nil {
		return fmt.Errorf("entry is required")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.TenantID = tenantID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid threat intel entry: %w", err)
	}

	if err := s.repo.SaveThreatIntel(ctx, tenantID, entry); err != nil {
		return fmt.Errorf("failed to save threat intel entry: %w", err)
	}

	s.mu.Lock()
	s.add(entry)
	s.mu.Unlock()

	return nil
}

// Lookup returns the active indicator matching value, or nil when none
// matches. Index misses fall through to the repository and the result
// is indexed for subsequent lookups.
func (s *Store) Lookup(ctx context.Context, tenantID string, value string) (*domain.ThreatIntelEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	if value == "" {
		return nil, nil
	}

	now := time.Now()

	s.mu.RLock()
	entry, ok := s.index[tenantID][value]
	s.mu.RUnlock()

	if ok {
		if entry.Expired(now) {
			return nil, nil
		}
		return entry, nil
	}

	entry, err := s.repo.GetThreatIntelByValue(ctx, tenantID, value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("threat intel lookup failed: %w", err)
	}

	if entry.Expired(now) {
		return nil, nil
	}

	s.mu.Lock()
	s.add(entry)
	s.mu.Unlock()

	return entry, nil
}

// Warm bulk-loads the tenant's indicators into the index, skipping
// already-expired ones. Returns the number loaded.
func (s *Store) Warm(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	entries, err := s.repo.ListThreatIntel(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load threat intel: %w", err)
	}

	now := time.Now()
	loaded := 0

	s.mu.Lock()
	for _, entry := range entries {
		if entry.Expired(now) {
			continue
		}
		s.add(entry)
		loaded++
	}
	s.mu.Unlock()

	return loaded, nil
}

// Size returns the number of indexed indicators across tenants.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, values := range s.index {
		total += len(values)
	}
	return total
}

// Close stops the expiry cleaner.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// add indexes an entry. Caller holds the write lock.
func (s *Store) add(entry *domain.ThreatIntelEntry) {
	if s.index[entry.TenantID] == nil {
		s.index[entry.TenantID] = make(map[string]*domain.ThreatIntelEntry)
	}
	s.index[entry.TenantID][entry.Value] = entry
}

// cleanupLoop sweeps expired entries out of the index periodically.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeExpired(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *Store) purgeExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tenantID, values := range s.index {
		for value, entry := range values {
			if entry.Expired(now) {
				delete(values, value)
			}
		}
		if len(values) == 0 {
			delete(s.index, tenantID)
		}
	}
}
