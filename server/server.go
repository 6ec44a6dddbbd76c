// Package server exposes the gateway's HTTP surface: provider management,
// selection, chat execution, and the usage and health logs.
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/medgate-ai/medgate"
	"github.com/medgate-ai/medgate/executor"
	"github.com/medgate-ai/medgate/monitoring"
	"github.com/medgate-ai/medgate/registry"
	"github.com/medgate-ai/medgate/selector"
	"github.com/medgate-ai/medgate/store"
)

type Server struct {
	registry *registry.Registry
	selector *selector.Selector
	executor *executor.Executor
	store    store.Store
	metrics  *monitoring.Metrics
	logger   *zap.SugaredLogger

	// API key callers must present with the Bearer scheme. Empty disables
	// authentication.
	apiKey string
}

func New(reg *registry.Registry, sel *selector.Selector, exec *executor.Executor, logStore store.Store, metrics *monitoring.Metrics, apiKey string, logger *zap.SugaredLogger) *Server {
	return &Server{
		registry: reg,
		selector: sel,
		executor: exec,
		store:    logStore,
		metrics:  metrics,
		logger:   logger,
		apiKey:   apiKey,
	}
}

// Handler builds the route table. Everything under /v1 requires the API key
// when one is configured; /healthz and /metrics stay open for probes and
// scrapers.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/v1/providers", s.HandleAuthentication(s.HandleRegisterProvider)).Methods(http.MethodPost)
	router.HandleFunc("/v1/providers", s.HandleAuthentication(s.HandleListProviders)).Methods(http.MethodGet)
	router.HandleFunc("/v1/providers/{id}", s.HandleAuthentication(s.HandleGetProvider)).Methods(http.MethodGet)
	router.HandleFunc("/v1/providers/{id}", s.HandleAuthentication(s.HandleUpdateProvider)).Methods(http.MethodPatch)
	router.HandleFunc("/v1/providers/{id}", s.HandleAuthentication(s.HandleDeactivateProvider)).Methods(http.MethodDelete)
	router.HandleFunc("/v1/providers/{id}/health", s.HandleAuthentication(s.HandleProviderHealth)).Methods(http.MethodGet)
	router.HandleFunc("/v1/select", s.HandleAuthentication(s.HandleSelect)).Methods(http.MethodPost)
	router.HandleFunc("/v1/chat/completions", s.HandleAuthentication(s.HandleChatCompletions)).Methods(http.MethodPost)
	router.HandleFunc("/v1/usage", s.HandleAuthentication(s.HandleUsage)).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.HandleHealthz).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	return router
}

func (s *Server) HandleAuthentication(handler http.HandlerFunc) http.HandlerFunc {
	return func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		if s.apiKey == "" {
			handler(httpResponse, httpRequest)
			return
		}

		headerSplit := strings.Split(httpRequest.Header.Get("Authorization"), " ")
		if len(headerSplit) != 2 ||
			strings.ToLower(headerSplit[0]) != "bearer" ||
			headerSplit[1] != s.apiKey {
			http.Error(httpResponse, "Unauthorized", http.StatusUnauthorized)
			return
		}

		handler(httpResponse, httpRequest)
	}
}

func (s *Server) HandleRegisterProvider(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	var config medgate.ProviderConfig
	if err := decodeBody(httpRequest, &config); err != nil {
		s.handleError(httpResponse, err)
		return
	}

	provider, err := s.registry.Register(httpRequest.Context(), &config)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJSON(httpResponse, http.StatusCreated, redact(provider))
}

func (s *Server) HandleListProviders(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	filter, options, err := parseListQuery(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}

	page, err := s.registry.List(httpRequest.Context(), filter, options)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	for i, provider := range page.Providers {
		page.Providers[i] = redact(provider)
	}
	s.writeJSON(httpResponse, http.StatusOK, page)
}

func (s *Server) HandleGetProvider(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	id := mux.Vars(httpRequest)["id"]
	provider, err := s.registry.Get(httpRequest.Context(), id)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJSON(httpResponse, http.StatusOK, redact(provider))
}

func (s *Server) HandleUpdateProvider(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	id := mux.Vars(httpRequest)["id"]
	var patch medgate.ProviderUpdate
	if err := decodeBody(httpRequest, &patch); err != nil {
		s.handleError(httpResponse, err)
		return
	}

	provider, err := s.registry.Update(httpRequest.Context(), id, &patch)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJSON(httpResponse, http.StatusOK, redact(provider))
}

func (s *Server) HandleDeactivateProvider(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	id := mux.Vars(httpRequest)["id"]
	if err := s.registry.Deactivate(httpRequest.Context(), id); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleProviderHealth(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	id := mux.Vars(httpRequest)["id"]
	if _, err := s.registry.Get(httpRequest.Context(), id); err != nil {
		s.handleError(httpResponse, err)
		return
	}

	limit := 20
	if raw := httpRequest.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.handleError(httpResponse, &medgate.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := s.store.ListHealthChecks(httpRequest.Context(), id, limit)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJSON(httpResponse, http.StatusOK, map[string]any{"checks": records})
}

func (s *Server) HandleSelect(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	var criteria medgate.SelectionCriteria
	if err := decodeBody(httpRequest, &criteria); err != nil {
		s.handleError(httpResponse, err)
		return
	}

	recommendation, err := s.selector.Select(httpRequest.Context(), &criteria)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	if recommendation == nil {
		s.writeError(httpResponse, http.StatusNotFound, "NO_MATCH", "no provider satisfies the given criteria")
		return
	}
	recommendation.Provider = redact(recommendation.Provider)
	s.writeJSON(httpResponse, http.StatusOK, recommendation)
}

func (s *Server) HandleChatCompletions(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	var request medgate.ChatRequest
	if err := decodeBody(httpRequest, &request); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	if request.ProviderId == "" {
		s.handleError(httpResponse, &medgate.ValidationError{Field: "provider_id", Reason: "must not be empty"})
		return
	}
	if len(request.Messages) == 0 {
		s.handleError(httpResponse, &medgate.ValidationError{Field: "messages", Reason: "must not be empty"})
		return
	}

	response, err := s.executor.Execute(httpRequest.Context(), &request)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJSON(httpResponse, http.StatusOK, response)
}

func (s *Server) HandleUsage(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	query := httpRequest.URL.Query()
	filter := store.UsageFilter{
		ProviderId: query.Get("provider_id"),
		Status:     medgate.UsageStatus(query.Get("status")),
		Limit:      100,
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.handleError(httpResponse, &medgate.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		filter.Limit = parsed
	}
	for name, target := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.handleError(httpResponse, &medgate.ValidationError{Field: name, Reason: "must be an RFC 3339 timestamp"})
			return
		}
		*target = &parsed
	}

	entries, err := s.store.ListUsageLogs(httpRequest.Context(), filter)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJSON(httpResponse, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) HandleHealthz(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.writeJSON(httpResponse, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleError(httpResponse http.ResponseWriter, err error) {
	var validationErr *medgate.ValidationError
	var notFoundErr *medgate.NotFoundError
	var conflictErr *medgate.ConflictError
	var rateErr *medgate.RateLimitError
	var timeoutErr *medgate.TimeoutError
	var unavailableErr *medgate.ProviderUnavailableError
	var vendorErr *medgate.VendorError

	switch {
	case errors.As(err, &validationErr):
		s.writeError(httpResponse, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.As(err, &notFoundErr):
		s.writeError(httpResponse, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &conflictErr):
		s.writeError(httpResponse, http.StatusConflict, "CONFLICT", err.Error())
	case errors.As(err, &rateErr):
		s.writeError(httpResponse, http.StatusTooManyRequests, "RATE_LIMIT", err.Error())
	case errors.As(err, &timeoutErr):
		s.writeError(httpResponse, http.StatusRequestTimeout, "TIMEOUT", err.Error())
	case errors.As(err, &unavailableErr):
		s.writeError(httpResponse, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", err.Error())
	case errors.As(err, &vendorErr):
		status := http.StatusBadGateway
		if vendorErr.HTTPStatus == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		s.writeError(httpResponse, status, vendorErr.Code(), err.Error())
	default:
		s.logger.Errorw("Unhandled error", "error", err)
		s.writeError(httpResponse, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

func (s *Server) writeError(httpResponse http.ResponseWriter, status int, code string, message string) {
	s.writeJSON(httpResponse, status, map[string]any{
		"error": map[string]string{
			"type":    code,
			"message": message,
		},
	})
}

func (s *Server) writeJSON(httpResponse http.ResponseWriter, status int, payload any) {
	httpResponse.Header().Set("Content-Type", "application/json")
	httpResponse.WriteHeader(status)
	if err := json.NewEncoder(httpResponse).Encode(payload); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

func decodeBody(httpRequest *http.Request, target any) error {
	body, err := io.ReadAll(httpRequest.Body)
	if err != nil {
		return &medgate.ValidationError{Field: "body", Reason: "must be readable"}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &medgate.ValidationError{Field: "body", Reason: "must be valid JSON"}
	}
	return nil
}

// redact strips the sealed credential before a provider leaves the API.
func redact(provider *medgate.ProviderConfig) *medgate.ProviderConfig {
	clone := provider.Clone()
	clone.Credential = ""
	return clone
}

func parseListQuery(httpRequest *http.Request) (store.ProviderFilter, store.ListOptions, error) {
	query := httpRequest.URL.Query()

	filter := store.ProviderFilter{
		Search: query.Get("search"),
	}
	for _, status := range query["status"] {
		filter.Statuses = append(filter.Statuses, medgate.ProviderStatus(status))
	}
	for _, vendor := range query["vendor"] {
		filter.Vendors = append(filter.Vendors, medgate.VendorType(vendor))
	}
	if raw := query.Get("tags"); raw != "" {
		filter.Tags = strings.Split(raw, ",")
	}
	for name, target := range map[string]**bool{
		"active":           &filter.Active,
		"hipaa_compliant":  &filter.HIPAACompliant,
		"production_ready": &filter.ProductionReady,
	} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, store.ListOptions{}, &medgate.ValidationError{Field: name, Reason: "must be a boolean"}
		}
		*target = &parsed
	}
	if raw := query.Get("min_accuracy"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, store.ListOptions{}, &medgate.ValidationError{Field: "min_accuracy", Reason: "must be a number"}
		}
		filter.MinAccuracy = &parsed
	}

	options := store.ListOptions{
		SortBy:   query.Get("sort_by"),
		SortDesc: query.Get("sort_desc") == "true",
		Page:     1,
		Limit:    50,
	}
	if raw := query.Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, options, &medgate.ValidationError{Field: "page", Reason: "must be a positive integer"}
		}
		options.Page = parsed
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, options, &medgate.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		options.Limit = parsed
	}
	return filter, options, nil
}
