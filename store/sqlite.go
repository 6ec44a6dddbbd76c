package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/medgate-ai/medgate"
)

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	vendor TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	credential TEXT NOT NULL,
	model_id TEXT NOT NULL,
	model_version TEXT NOT NULL,
	capabilities TEXT NOT NULL,
	pricing TEXT NOT NULL,
	limits TEXT NOT NULL,
	priority_level INTEGER NOT NULL,
	weight INTEGER NOT NULL,
	hipaa_compliant INTEGER NOT NULL,
	production_ready INTEGER NOT NULL,
	medical_accuracy REAL NOT NULL,
	avg_latency_ns INTEGER NOT NULL,
	uptime_percent REAL NOT NULL,
	retry_policy TEXT NOT NULL,
	is_active INTEGER NOT NULL,
	health_check_enabled INTEGER NOT NULL,
	status TEXT NOT NULL,
	fallback_provider_id TEXT NOT NULL,
	tags TEXT NOT NULL,
	metadata TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS health_checks (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	checked_at INTEGER NOT NULL,
	healthy INTEGER NOT NULL,
	latency_ns INTEGER NOT NULL,
	test_prompt TEXT NOT NULL,
	test_response TEXT NOT NULL,
	tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	http_status INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_checks_provider
	ON health_checks(provider_id, checked_at DESC);

CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	input_cost REAL NOT NULL,
	output_cost REAL NOT NULL,
	latency_ns INTEGER NOT NULL,
	status TEXT NOT NULL,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	metadata TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_provider
	ON usage_logs(provider_id, created_at DESC);
`

// SqliteStore persists providers and logs in a single SQLite file. A single
// writer connection with WAL keeps concurrent readers from blocking on the
// serialized writes.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (and if needed creates) the database at path.
func NewSqliteStore(path string) (*SqliteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL", path, 5000)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// modernc.org/sqlite serializes writes per connection; one connection
	// avoids SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %v", err)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) InsertProvider(ctx context.Context, provider *medgate.ProviderConfig) error {
	args, err := providerArgs(provider)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (
			id, name, vendor, endpoint, credential, model_id, model_version,
			capabilities, pricing, limits, priority_level, weight,
			hipaa_compliant, production_ready, medical_accuracy,
			avg_latency_ns, uptime_percent, retry_policy, is_active,
			health_check_enabled, status, fallback_provider_id, tags,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to insert provider: %v", err)
	}
	return nil
}

func (s *SqliteStore) UpdateProvider(ctx context.Context, provider *medgate.ProviderConfig) error {
	args, err := providerArgs(provider)
	if err != nil {
		return err
	}
	// Shift id to the end for the WHERE clause.
	args = append(args[1:], args[0])
	result, err := s.db.ExecContext(ctx, `
		UPDATE providers SET
			name = ?, vendor = ?, endpoint = ?, credential = ?, model_id = ?,
			model_version = ?, capabilities = ?, pricing = ?, limits = ?,
			priority_level = ?, weight = ?, hipaa_compliant = ?,
			production_ready = ?, medical_accuracy = ?, avg_latency_ns = ?,
			uptime_percent = ?, retry_policy = ?, is_active = ?,
			health_check_enabled = ?, status = ?, fallback_provider_id = ?,
			tags = ?, metadata = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to update provider: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %v", err)
	}
	if affected == 0 {
		return &medgate.NotFoundError{Resource: "provider", Id: provider.Id}
	}
	return nil
}

func (s *SqliteStore) GetProvider(ctx context.Context, id string) (*medgate.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	provider, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %v", err)
	}
	return provider, nil
}

func (s *SqliteStore) ListProviders(ctx context.Context, filter ProviderFilter, options ListOptions) (*ProviderPage, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM providers`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count providers: %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers`)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %v", err)
	}
	defer rows.Close()

	// Filtering and sorting happen in Go through the same helpers the
	// memory backend uses, so listing semantics cannot drift.
	matched := []*medgate.ProviderConfig{}
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %v", err)
		}
		if matchProvider(filter, provider) {
			matched = append(matched, provider)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate providers: %v", err)
	}
	sortProviders(matched, options)
	return paginate(matched, total, options), nil
}

func (s *SqliteStore) CountFallbackRefs(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM providers WHERE is_active = 1 AND fallback_provider_id = ?`,
		id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fallback references: %v", err)
	}
	return count, nil
}

func (s *SqliteStore) InsertHealthCheck(ctx context.Context, record *medgate.HealthCheckRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_checks (
			id, provider_id, checked_at, healthy, latency_ns, test_prompt,
			test_response, tokens, cost, error_type, error_message, http_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Id, record.ProviderId, record.CheckedAt.UnixNano(),
		boolToInt(record.Healthy), int64(record.Latency), record.TestPrompt,
		record.TestResponse, record.Tokens, record.Cost, record.ErrorType,
		record.ErrorMessage, record.HTTPStatus)
	if err != nil {
		return fmt.Errorf("failed to insert health check: %v", err)
	}
	return nil
}

func (s *SqliteStore) ListHealthChecks(ctx context.Context, providerId string, limit int) ([]*medgate.HealthCheckRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, checked_at, healthy, latency_ns, test_prompt,
			test_response, tokens, cost, error_type, error_message, http_status
		FROM health_checks WHERE provider_id = ?
		ORDER BY checked_at DESC LIMIT ?`, providerId, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list health checks: %v", err)
	}
	defer rows.Close()

	records := []*medgate.HealthCheckRecord{}
	for rows.Next() {
		record := &medgate.HealthCheckRecord{}
		var checkedAt, latency int64
		var healthy int
		if err := rows.Scan(&record.Id, &record.ProviderId, &checkedAt,
			&healthy, &latency, &record.TestPrompt, &record.TestResponse,
			&record.Tokens, &record.Cost, &record.ErrorType,
			&record.ErrorMessage, &record.HTTPStatus); err != nil {
			return nil, fmt.Errorf("failed to scan health check: %v", err)
		}
		record.CheckedAt = time.Unix(0, checkedAt).UTC()
		record.Healthy = healthy != 0
		record.Latency = time.Duration(latency)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate health checks: %v", err)
	}
	return records, nil
}

func (s *SqliteStore) InsertUsageLog(ctx context.Context, entry *medgate.UsageLogEntry) error {
	metadata, err := json.Marshal(orEmptyMap(entry.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode usage metadata: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_logs (
			id, provider_id, agent_id, user_id, session_id, input_tokens,
			output_tokens, input_cost, output_cost, latency_ns, status,
			error_type, error_message, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Id, entry.ProviderId, entry.AgentId, entry.UserId,
		entry.SessionId, entry.InputTokens, entry.OutputTokens,
		entry.InputCost, entry.OutputCost, int64(entry.Latency),
		string(entry.Status), entry.ErrorType, entry.ErrorMessage,
		string(metadata), entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %v", err)
	}
	return nil
}

func (s *SqliteStore) ListUsageLogs(ctx context.Context, filter UsageFilter) ([]*medgate.UsageLogEntry, error) {
	query := `
		SELECT id, provider_id, agent_id, user_id, session_id, input_tokens,
			output_tokens, input_cost, output_cost, latency_ns, status,
			error_type, error_message, metadata, created_at
		FROM usage_logs WHERE 1 = 1`
	args := []any{}
	if filter.ProviderId != "" {
		query += ` AND provider_id = ?`
		args = append(args, filter.ProviderId)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, filter.Until.UnixNano())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage logs: %v", err)
	}
	defer rows.Close()

	entries := []*medgate.UsageLogEntry{}
	for rows.Next() {
		entry := &medgate.UsageLogEntry{}
		var latency, createdAt int64
		var status, metadata string
		if err := rows.Scan(&entry.Id, &entry.ProviderId, &entry.AgentId,
			&entry.UserId, &entry.SessionId, &entry.InputTokens,
			&entry.OutputTokens, &entry.InputCost, &entry.OutputCost,
			&latency, &status, &entry.ErrorType, &entry.ErrorMessage,
			&metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %v", err)
		}
		entry.Latency = time.Duration(latency)
		entry.Status = medgate.UsageStatus(status)
		entry.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode usage metadata: %v", err)
		}
		if len(entry.Metadata) == 0 {
			entry.Metadata = nil
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage logs: %v", err)
	}
	return entries, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

const providerColumns = `id, name, vendor, endpoint, credential, model_id,
	model_version, capabilities, pricing, limits, priority_level, weight,
	hipaa_compliant, production_ready, medical_accuracy, avg_latency_ns,
	uptime_percent, retry_policy, is_active, health_check_enabled, status,
	fallback_provider_id, tags, metadata, created_at, updated_at`

func providerArgs(provider *medgate.ProviderConfig) ([]any, error) {
	capabilities, err := json.Marshal(provider.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capabilities: %v", err)
	}
	pricing, err := json.Marshal(provider.Pricing)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pricing: %v", err)
	}
	limits, err := json.Marshal(provider.Limits)
	if err != nil {
		return nil, fmt.Errorf("failed to encode limits: %v", err)
	}
	retryPolicy, err := json.Marshal(provider.RetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to encode retry policy: %v", err)
	}
	tags, err := json.Marshal(orEmptySlice(provider.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %v", err)
	}
	metadata, err := json.Marshal(orEmptyMap(provider.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %v", err)
	}

	return []any{
		provider.Id, provider.Name, string(provider.Vendor),
		provider.Endpoint, provider.Credential, provider.ModelId,
		provider.ModelVersion, string(capabilities), string(pricing),
		string(limits), provider.PriorityLevel, provider.Weight,
		boolToInt(provider.HIPAACompliant), boolToInt(provider.ProductionReady),
		provider.MedicalAccuracy, int64(provider.AvgLatency),
		provider.UptimePercent, string(retryPolicy),
		boolToInt(provider.IsActive), boolToInt(provider.HealthCheckEnabled),
		string(provider.Status), provider.FallbackProviderId, string(tags),
		string(metadata), provider.CreatedAt.UnixNano(),
		provider.UpdatedAt.UnixNano(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*medgate.ProviderConfig, error) {
	provider := &medgate.ProviderConfig{}
	var vendor, capabilities, pricing, limits, retryPolicy, status, tags, metadata string
	var hipaaCompliant, productionReady, isActive, healthCheckEnabled int
	var avgLatency, createdAt, updatedAt int64

	err := row.Scan(&provider.Id, &provider.Name, &vendor, &provider.Endpoint,
		&provider.Credential, &provider.ModelId, &provider.ModelVersion,
		&capabilities, &pricing, &limits, &provider.PriorityLevel,
		&provider.Weight, &hipaaCompliant, &productionReady,
		&provider.MedicalAccuracy, &avgLatency, &provider.UptimePercent,
		&retryPolicy, &isActive, &healthCheckEnabled, &status,
		&provider.FallbackProviderId, &tags, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	provider.Vendor = medgate.VendorType(vendor)
	provider.HIPAACompliant = hipaaCompliant != 0
	provider.ProductionReady = productionReady != 0
	provider.AvgLatency = time.Duration(avgLatency)
	provider.IsActive = isActive != 0
	provider.HealthCheckEnabled = healthCheckEnabled != 0
	provider.Status = medgate.ProviderStatus(status)
	provider.CreatedAt = time.Unix(0, createdAt).UTC()
	provider.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if err := json.Unmarshal([]byte(capabilities), &provider.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %v", err)
	}
	if err := json.Unmarshal([]byte(pricing), &provider.Pricing); err != nil {
		return nil, fmt.Errorf("failed to decode pricing: %v", err)
	}
	if err := json.Unmarshal([]byte(limits), &provider.Limits); err != nil {
		return nil, fmt.Errorf("failed to decode limits: %v", err)
	}
	if err := json.Unmarshal([]byte(retryPolicy), &provider.RetryPolicy); err != nil {
		return nil, fmt.Errorf("failed to decode retry policy: %v", err)
	}
	if err := json.Unmarshal([]byte(tags), &provider.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %v", err)
	}
	if len(provider.Tags) == 0 {
		provider.Tags = nil
	}
	if err := json.Unmarshal([]byte(metadata), &provider.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %v", err)
	}
	if len(provider.Metadata) == 0 {
		provider.Metadata = nil
	}
	return provider, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
