package store

import (
	"context"
	"sort"
	"sync"

	"github.com/medgate-ai/medgate"
)

// MemoryStore is a map-backed Store. It backs tests and single-process
// deployments that do not need durability.
type MemoryStore struct {
	mu           sync.RWMutex
	providers    map[string]*medgate.ProviderConfig
	healthChecks []*medgate.HealthCheckRecord
	usageLogs    []*medgate.UsageLogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]*medgate.ProviderConfig),
	}
}

func (s *MemoryStore) InsertProvider(ctx context.Context, provider *medgate.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[provider.Id] = provider.Clone()
	return nil
}

func (s *MemoryStore) UpdateProvider(ctx context.Context, provider *medgate.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.providers[provider.Id]; !exists {
		return &medgate.NotFoundError{Resource: "provider", Id: provider.Id}
	}
	s.providers[provider.Id] = provider.Clone()
	return nil
}

func (s *MemoryStore) GetProvider(ctx context.Context, id string) (*medgate.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	provider, exists := s.providers[id]
	if !exists {
		return nil, nil
	}
	return provider.Clone(), nil
}

func (s *MemoryStore) ListProviders(ctx context.Context, filter ProviderFilter, options ListOptions) (*ProviderPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := []*medgate.ProviderConfig{}
	for _, provider := range s.providers {
		if matchProvider(filter, provider) {
			matched = append(matched, provider.Clone())
		}
	}
	sortProviders(matched, options)
	return paginate(matched, len(s.providers), options), nil
}

func (s *MemoryStore) CountFallbackRefs(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, provider := range s.providers {
		if provider.IsActive && provider.FallbackProviderId == id {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) InsertHealthCheck(ctx context.Context, record *medgate.HealthCheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.healthChecks = append(s.healthChecks, &clone)
	return nil
}

func (s *MemoryStore) ListHealthChecks(ctx context.Context, providerId string, limit int) ([]*medgate.HealthCheckRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := []*medgate.HealthCheckRecord{}
	for _, record := range s.healthChecks {
		if record.ProviderId == providerId {
			clone := *record
			records = append(records, &clone)
		}
	}
	// Newest first.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CheckedAt.After(records[j].CheckedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemoryStore) InsertUsageLog(ctx context.Context, entry *medgate.UsageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.usageLogs = append(s.usageLogs, &clone)
	return nil
}

func (s *MemoryStore) ListUsageLogs(ctx context.Context, filter UsageFilter) ([]*medgate.UsageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := []*medgate.UsageLogEntry{}
	for _, entry := range s.usageLogs {
		if filter.ProviderId != "" && entry.ProviderId != filter.ProviderId {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		if filter.Since != nil && entry.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && entry.CreatedAt.After(*filter.Until) {
			continue
		}
		clone := *entry
		entries = append(entries, &clone)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
