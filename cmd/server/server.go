package main

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/liamcoop/dss/internal/logger"
	"github.com/liamcoop/dss/invalidation"
	"github.com/liamcoop/dss/rules"
	"github.com/liamcoop/dss/rules/celrules"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// adhocNamespace is where uploaded CEL sources live
const adhocNamespace = "adhoc"

type Server struct {
	db        *sql.DB
	store     rules.RuleStore
	cache     rules.RuntimeCache
	engine    *rules.Engine
	library   *celrules.Library
	adhoc     celrules.SourceStore
	publisher *invalidation.Publisher
	gatherer  prometheus.Gatherer
	router    *chi.Mux
}

type serverParams struct {
	fx.In

	DB        *sql.DB
	Store     rules.RuleStore
	Cache     rules.RuntimeCache
	Engine    *rules.Engine
	Library   *celrules.Library
	Adhoc     celrules.SourceStore
	Publisher *invalidation.Publisher
	Gatherer  prometheus.Gatherer
}

func NewServer(p serverParams) *Server {
	s := &Server{
		db:        p.DB,
		store:     p.Store,
		cache:     p.Cache,
		engine:    p.Engine,
		library:   p.Library,
		adhoc:     p.Adhoc,
		publisher: p.Publisher,
		gatherer:  p.Gatherer,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	// Rule records
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleQueryRules)
		r.Post("/", s.handleCreateRule)
		r.Get("/types/{ruleType}/prioritized", s.handleListPrioritized)
		r.Get("/types/{ruleType}/nonprioritized", s.handleListNonPrioritized)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/evaluate", s.handleEvaluateRule)
		})
	})

	// Ad-hoc CEL sources
	r.Route("/api/v1/sources", func(r chi.Router) {
		r.Get("/", s.handleListSources)
		r.Get("/{name}", s.handleGetSource)
		r.Put("/{name}", s.handlePutSource)
		r.Delete("/{name}", s.handleDeleteSource)
	})

	// Runtime cache
	r.Route("/api/v1/runtime", func(r chi.Router) {
		r.Get("/cache", s.handleListCache)
		r.Post("/cache/{name}/reload", s.handleReload)
		r.Delete("/cache/{name}", s.handleInvalidate)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger counts 4xx/5xx responses and logs every request at debug
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx(status)
		}
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:      "healthy",
		RulesLoaded: len(s.cache.Names()),
	})
}

// Evaluation handler. ?format=text returns the rendered results joined by
// ?separator (default: the engine's separator). When a rule fails to load
// the response carries the error status together with the whole batch.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Subject.ID == "" {
		respondError(w, http.StatusBadRequest, "subject.id is required", nil)
		return
	}

	ctx := r.Context()
	startTime := time.Now()

	if textFormat(r) {
		records, err := s.selectRecords(r, req)
		if err != nil {
			respondError(w, statusFor(err), "failed to select rules", err)
			return
		}
		text, err := s.engine.WithSeparator(s.separator(r)).RunAsText(ctx, req.Subject, records, req.Namespaces, req.ForceReload)
		status := http.StatusOK
		if err != nil {
			status = statusFor(err)
		}
		respondText(w, status, text)
		return
	}

	var results []*rules.Result
	var err error
	if len(req.RuleIDs) == 0 && len(req.RuleNames) == 0 && req.Type != "" {
		results, err = s.engine.RunType(ctx, req.Subject, req.Type, req.Namespaces, req.ForceReload)
	} else {
		var records []*rules.RuleRecord
		records, err = s.selectRecords(r, req)
		if err != nil {
			respondError(w, statusFor(err), "failed to select rules", err)
			return
		}
		results, err = s.engine.RunMany(ctx, req.Subject, records, req.Namespaces, req.ForceReload)
	}
	if err != nil {
		response := ErrorResponse{Error: "evaluation failed", Details: err.Error()}
		for _, result := range results {
			response.Results = append(response.Results, newResultResponse(result))
		}
		respondJSON(w, statusFor(err), response)
		return
	}

	s.respondResults(w, r, req.Subject.ID, filterKinds(results, req.Kinds), time.Since(startTime))
}

func filterKinds(results []*rules.Result, kinds []rules.ResultKind) []*rules.Result {
	if len(kinds) == 0 {
		return results
	}
	kept := make([]*rules.Result, 0, len(results))
	for _, result := range results {
		if slices.Contains(kinds, result.Kind) {
			kept = append(kept, result)
		}
	}
	return kept
}

func (s *Server) selectRecords(r *http.Request, req EvaluateRequest) ([]*rules.RuleRecord, error) {
	ctx := r.Context()
	switch {
	case len(req.RuleIDs) > 0:
		records := make([]*rules.RuleRecord, 0, len(req.RuleIDs))
		for _, id := range req.RuleIDs {
			rec, err := s.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, nil

	case len(req.RuleNames) > 0:
		records := make([]*rules.RuleRecord, 0, len(req.RuleNames))
		for _, name := range req.RuleNames {
			matches, err := s.store.Query(ctx, rules.Query{Template: rules.RuleRecord{Name: name}})
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("%w: no rule named %s", rules.ErrNotFound, name)
			}
			records = append(records, matches...)
		}
		return records, nil

	case req.Type != "":
		return s.engine.TypeRecords(ctx, req.Type)

	default:
		return nil, fmt.Errorf("%w: one of ruleIds, ruleNames or type is required", rules.ErrInvalidArgument)
	}
}

func (s *Server) respondResults(w http.ResponseWriter, r *http.Request, subjectID string, results []*rules.Result, elapsed time.Duration) {
	if textFormat(r) {
		respondText(w, http.StatusOK, rules.RenderResults(results, s.separator(r)))
		return
	}

	resp := EvaluateResponse{
		SubjectID:      subjectID,
		Results:        make([]ResultResponse, 0, len(results)),
		EvaluationTime: elapsed.String(),
	}
	for _, result := range results {
		resp.Results = append(resp.Results, newResultResponse(result))
	}
	respondJSON(w, http.StatusOK, resp)
}

func textFormat(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("format"), "text")
}

// separator is ?separator when given, even when empty
func (s *Server) separator(r *http.Request) string {
	if r.URL.Query().Has("separator") {
		return r.URL.Query().Get("separator")
	}
	return s.engine.Config().Separator
}

// Single rule evaluation handler; the body is the subject
func (s *Server) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var subject rules.Subject
	if err := json.NewDecoder(r.Body).Decode(&subject); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	forceReload := r.URL.Query().Get("reload") == "true"
	startTime := time.Now()
	result, err := s.engine.RunByID(r.Context(), subject, id, nil, forceReload)
	if err != nil {
		respondError(w, statusFor(err), "evaluation failed", err)
		return
	}

	s.respondResults(w, r, subject.ID, []*rules.Result{result}, time.Since(startTime))
}

// Query handler. Every RuleRecord text field is accepted as a query
// parameter, plus priority, ignoreCase, substring and sort.
func (s *Server) handleQueryRules(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := rules.Query{
		Template: rules.RuleRecord{
			Name:           params.Get("name"),
			Type:           params.Get("type"),
			Implementation: params.Get("implementation"),
			Title:          params.Get("title"),
			Author:         params.Get("author"),
			Institution:    params.Get("institution"),
			Specialist:     params.Get("specialist"),
			Purpose:        params.Get("purpose"),
			Explanation:    params.Get("explanation"),
			Keywords:       params.Get("keywords"),
			Citations:      params.Get("citations"),
			Links:          params.Get("links"),
			Action:         params.Get("action"),
		},
		IgnoreCase: params.Get("ignoreCase") == "true",
		Substring:  params.Get("substring") == "true",
		SortColumn: params.Get("sort"),
	}
	if p := params.Get("priority"); p != "" {
		priority, err := strconv.Atoi(p)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid priority", err)
			return
		}
		q.Template.Priority = priority
	}

	records, err := s.store.Query(r.Context(), q)
	if err != nil {
		respondError(w, statusFor(err), "failed to query rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: records})
}

func (s *Server) handleListPrioritized(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListPrioritized(r.Context(), chi.URLParam(r, "ruleType"))
	if err != nil {
		respondError(w, statusFor(err), "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: records})
}

func (s *Server) handleListNonPrioritized(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListNonPrioritized(r.Context(), chi.URLParam(r, "ruleType"))
	if err != nil {
		respondError(w, statusFor(err), "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: records})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rec := req.record()
	var prog *celrules.Program
	if req.Source != "" {
		var err error
		if prog, err = s.checkSource(req.Name, req.Source); err != nil {
			respondError(w, http.StatusBadRequest, "invalid rule source", err)
			return
		}
		rec.Implementation = prog.Name()
	}

	created, err := s.store.Add(r.Context(), rec.Implementation, rec)
	if err != nil {
		respondError(w, statusFor(err), "failed to add rule", err)
		return
	}

	// a record must not outlive a source that was never stored
	if prog != nil {
		if err := s.adhoc.Put(r.Context(), prog.Name(), prog.Source()); err != nil {
			if purgeErr := s.store.Purge(r.Context(), created.ID); purgeErr != nil {
				logger.Error("failed to remove rule after its source was rejected", "rule", created.Name, "id", created.ID, "error", purgeErr)
			}
			respondError(w, http.StatusInternalServerError, "failed to store rule source", err)
			return
		}
	}
	s.invalidate(invalidation.OpAdded, created)

	respondJSON(w, http.StatusCreated, created)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	existing, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), "rule not found", err)
		return
	}

	rec := req.record()
	rec.ID = id
	var prog *celrules.Program
	if req.Source != "" {
		if prog, err = s.checkSource(req.Name, req.Source); err != nil {
			respondError(w, http.StatusBadRequest, "invalid rule source", err)
			return
		}
		rec.Implementation = prog.Name()
	}

	updated, err := s.store.Update(r.Context(), rec)
	if err != nil {
		respondError(w, statusFor(err), "failed to update rule", err)
		return
	}

	if prog != nil {
		if err := s.adhoc.Put(r.Context(), prog.Name(), prog.Source()); err != nil {
			respondError(w, http.StatusInternalServerError, "rule updated but its source was not stored", err)
			return
		}
	}
	if existing.Name != updated.Name {
		s.invalidate(invalidation.OpUpdated, existing)
	}
	s.invalidate(invalidation.OpUpdated, updated)

	respondJSON(w, http.StatusOK, updated)
}

// Delete rule handler. ?mode=soft retires, ?mode=hard purges; without a
// mode the store's configured behavior applies. Unknown ids are a no-op.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	existing, err := s.store.Get(ctx, id)
	if err != nil && !errors.Is(err, rules.ErrNotFound) {
		respondError(w, statusFor(err), "failed to delete rule", err)
		return
	}

	mode := r.URL.Query().Get("mode")
	switch {
	case mode == "":
		err = s.store.Delete(ctx, id)
	default:
		var parsed rules.DeleteMode
		parsed, err = rules.ParseDeleteMode(mode)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid delete mode", err)
			return
		}
		if parsed == rules.DeleteHard {
			err = s.store.Purge(ctx, id)
		} else {
			err = s.store.Retire(ctx, id)
		}
	}
	if err != nil {
		respondError(w, statusFor(err), "failed to delete rule", err)
		return
	}

	if existing != nil {
		s.invalidate(invalidation.OpDeleted, existing)
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkSource compiles source under the ad-hoc qualified name it will be
// stored under
func (s *Server) checkSource(name, source string) (*celrules.Program, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: rule name is required", rules.ErrInvalidArgument)
	}
	return s.library.Compile(rules.Qualify(adhocNamespace, name), source)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	names, err := s.adhoc.Names(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sources", err)
		return
	}

	sources := make([]SourceResponse, 0, len(names))
	prefix := adhocNamespace + "."
	for _, qualified := range names {
		sources = append(sources, SourceResponse{
			Name:          strings.TrimPrefix(qualified, prefix),
			QualifiedName: qualified,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	qualified := rules.Qualify(adhocNamespace, name)

	source, err := s.adhoc.Source(r.Context(), qualified)
	if err != nil {
		status := http.StatusInternalServerError
		if rules.IsNotFound(err) {
			status = http.StatusNotFound
		}
		respondError(w, status, "source not found", err)
		return
	}
	respondJSON(w, http.StatusOK, SourceResponse{Name: name, QualifiedName: qualified, Source: source})
}

// Source upload handler. The source must compile; the cached rule of the
// same name is dropped so the next evaluation picks it up.
func (s *Server) handlePutSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req SourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	prog, err := s.checkSource(name, req.Source)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule source", err)
		return
	}
	if err := s.adhoc.Put(r.Context(), prog.Name(), prog.Source()); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store source", err)
		return
	}
	s.invalidate(invalidation.OpSource, &rules.RuleRecord{Name: name})

	respondJSON(w, http.StatusOK, SourceResponse{Name: name, QualifiedName: prog.Name(), Source: prog.Source()})
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.adhoc.Delete(r.Context(), rules.Qualify(adhocNamespace, name)); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete source", err)
		return
	}
	s.invalidate(invalidation.OpSource, &rules.RuleRecord{Name: name})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCache(w http.ResponseWriter, r *http.Request) {
	names := s.cache.Names()
	entries := make([]CacheEntryResponse, 0, len(names))
	for _, name := range names {
		if loaded, ok := s.cache.Get(name); ok {
			entries = append(entries, newCacheEntryResponse(loaded))
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": entries})
}

// Reload handler: resolves the rule again on this instance and asks the
// others to drop their copy
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var namespaces []string
	if ns := r.URL.Query()["namespace"]; len(ns) > 0 {
		namespaces = ns
	}

	loaded, err := s.engine.LoadRule(r.Context(), name, namespaces, true)
	if err != nil {
		respondError(w, statusFor(err), "failed to reload rule", err)
		return
	}
	s.broadcast(invalidation.Event{Op: invalidation.OpReload, Name: name})

	respondJSON(w, http.StatusOK, newCacheEntryResponse(loaded))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.invalidate(invalidation.OpReload, &rules.RuleRecord{Name: name})
	w.WriteHeader(http.StatusNoContent)
}

// invalidate drops rec's cached implementation here and on every other instance
func (s *Server) invalidate(op invalidation.Op, rec *rules.RuleRecord) {
	s.engine.Invalidate(rec.Name)
	s.broadcast(invalidation.Event{Op: op, RuleID: rec.ID, Name: rec.Name, Version: rec.Version})
}

func (s *Server) broadcast(ev invalidation.Event) {
	if err := s.publisher.Publish(ev); err != nil {
		logger.Error("failed to publish invalidation", "rule", ev.Name, "error", err)
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "ruleId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule id", err)
		return 0, false
	}
	return id, true
}

// statusFor maps store, resolution and validation errors to HTTP statuses
func statusFor(err error) int {
	var loadErr *rules.RuleLoadError
	switch {
	case errors.Is(err, rules.ErrNotFound), errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrValidation), errors.Is(err, rules.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.As(err, &loadErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
