// Package store persists provider configurations and the append-only health
// and usage logs. The registry is the only writer of provider rows; health
// and usage rows are insert-only.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/cost"
)

// ProviderFilter narrows a provider listing. Zero values leave the
// dimension unconstrained.
type ProviderFilter struct {
	Statuses        []medgate.ProviderStatus
	Vendors         []medgate.VendorType
	Active          *bool
	HIPAACompliant  *bool
	ProductionReady *bool
	MinAccuracy     *float64

	// Case-insensitive substring match over name and model id.
	Search string

	// Tag overlap: a provider matches when it carries at least one of
	// these tags.
	Tags []string

	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// ListOptions control sorting and pagination. Page is 1-based.
type ListOptions struct {
	SortBy   string
	SortDesc bool
	Page     int
	Limit    int
}

// ProviderPage is one page of a filtered provider listing.
type ProviderPage struct {
	Providers     []*medgate.ProviderConfig `json:"providers"`
	TotalCount    int                       `json:"total_count"`
	FilteredCount int                       `json:"filtered_count"`
	Page          int                       `json:"page"`
	Limit         int                       `json:"limit"`
	HasNextPage   bool                      `json:"has_next_page"`
}

// UsageFilter narrows a usage log listing.
type UsageFilter struct {
	ProviderId string
	Status     medgate.UsageStatus
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// Store is the persistence boundary of the gateway.
type Store interface {
	InsertProvider(ctx context.Context, provider *medgate.ProviderConfig) error
	UpdateProvider(ctx context.Context, provider *medgate.ProviderConfig) error

	// GetProvider returns (nil, nil) when the id is unknown.
	GetProvider(ctx context.Context, id string) (*medgate.ProviderConfig, error)

	ListProviders(ctx context.Context, filter ProviderFilter, options ListOptions) (*ProviderPage, error)

	// CountFallbackRefs counts active providers that reference the given
	// id as their fallback. Deactivation is blocked while this is nonzero.
	CountFallbackRefs(ctx context.Context, id string) (int, error)

	InsertHealthCheck(ctx context.Context, record *medgate.HealthCheckRecord) error
	ListHealthChecks(ctx context.Context, providerId string, limit int) ([]*medgate.HealthCheckRecord, error)

	InsertUsageLog(ctx context.Context, entry *medgate.UsageLogEntry) error
	ListUsageLogs(ctx context.Context, filter UsageFilter) ([]*medgate.UsageLogEntry, error)

	Close() error
}

// matchProvider applies a filter to one provider. Shared by both backends so
// listing semantics cannot drift between them.
func matchProvider(filter ProviderFilter, provider *medgate.ProviderConfig) bool {
	if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, provider.Status) {
		return false
	}
	if len(filter.Vendors) > 0 && !containsVendor(filter.Vendors, provider.Vendor) {
		return false
	}
	if filter.Active != nil && provider.IsActive != *filter.Active {
		return false
	}
	if filter.HIPAACompliant != nil && provider.HIPAACompliant != *filter.HIPAACompliant {
		return false
	}
	if filter.ProductionReady != nil && provider.ProductionReady != *filter.ProductionReady {
		return false
	}
	if filter.MinAccuracy != nil && provider.MedicalAccuracy < *filter.MinAccuracy {
		return false
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(provider.Name), needle) &&
			!strings.Contains(strings.ToLower(provider.ModelId), needle) {
			return false
		}
	}
	if len(filter.Tags) > 0 && !tagsOverlap(filter.Tags, provider.Tags) {
		return false
	}
	if filter.CreatedAfter != nil && provider.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && provider.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}
	return true
}

func containsStatus(haystack []medgate.ProviderStatus, needle medgate.ProviderStatus) bool {
	for _, status := range haystack {
		if status == needle {
			return true
		}
	}
	return false
}

func containsVendor(haystack []medgate.VendorType, needle medgate.VendorType) bool {
	for _, vendor := range haystack {
		if vendor == needle {
			return true
		}
	}
	return false
}

func tagsOverlap(wanted []string, actual []string) bool {
	for _, w := range wanted {
		for _, a := range actual {
			if w == a {
				return true
			}
		}
	}
	return false
}

// sortProviders orders a filtered slice by the requested field. Unknown
// fields fall back to creation time.
func sortProviders(providers []*medgate.ProviderConfig, options ListOptions) {
	less := func(a, b *medgate.ProviderConfig) bool {
		switch options.SortBy {
		case "name":
			return a.Name < b.Name
		case "model_id":
			return a.ModelId < b.ModelId
		case "vendor":
			return a.Vendor < b.Vendor
		case "status":
			return a.Status < b.Status
		case "priority_level":
			return a.PriorityLevel < b.PriorityLevel
		case "weight":
			return a.Weight < b.Weight
		case "medical_accuracy":
			return a.MedicalAccuracy < b.MedicalAccuracy
		case "avg_latency":
			return a.AvgLatency < b.AvgLatency
		case "uptime_percent":
			return a.UptimePercent < b.UptimePercent
		case "cost":
			return cost.AveragePer1K(a.Pricing) < cost.AveragePer1K(b.Pricing)
		case "updated_at":
			return a.UpdatedAt.Before(b.UpdatedAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(providers, func(i, j int) bool {
		if options.SortDesc {
			return less(providers[j], providers[i])
		}
		return less(providers[i], providers[j])
	})
}

// paginate slices one page out of the sorted, filtered set.
func paginate(providers []*medgate.ProviderConfig, total int, options ListOptions) *ProviderPage {
	page := options.Page
	if page < 1 {
		page = 1
	}
	limit := options.Limit
	if limit < 1 {
		limit = 50
	}

	filtered := len(providers)
	start := (page - 1) * limit
	if start > filtered {
		start = filtered
	}
	end := start + limit
	if end > filtered {
		end = filtered
	}

	return &ProviderPage{
		Providers:     providers[start:end],
		TotalCount:    total,
		FilteredCount: filtered,
		Page:          page,
		Limit:         limit,
		HasNextPage:   end < filtered,
	}
}
