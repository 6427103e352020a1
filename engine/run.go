// Copyright 2025 LexFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"lexflow/platform/config"
	"lexflow/platform/docsource"
	"lexflow/platform/engine/llm"
	"lexflow/platform/engine/llm/anthropic"
	"lexflow/platform/engine/llm/bedrock"
	"lexflow/platform/retrieval"
	"lexflow/platform/retrieval/embedding"
	"lexflow/platform/shared/logger"
)

// Request size bounds enforced at ingress.
const (
	maxQueryBytes    = 32 << 10  // 32 KiB
	maxExternalDocs  = 10
	maxDocTextBytes  = 512 << 10 // 512 KiB per attached document
	maxTotalDocBytes = 2 << 20   // 2 MiB across all attached documents
)

// Run loads configuration, wires the engine, and serves until SIGINT or
// SIGTERM. It is the body of cmd/engine.
func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	server, err := NewServer(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}

	if err := server.Start(ctx); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}

// Server is the engine's HTTP boundary and component wiring.
type Server struct {
	cfg *config.Config
	log *logger.Logger

	db        *sql.DB
	redis     *redis.Client
	qdrant    *retrieval.QdrantIndex
	embedder  embedding.Provider
	centroids *retrieval.Centroids
	federator *retrieval.Federator

	detector *PIIDetector
	policies *PolicyEngine
	tools    *ToolRegistry
	registry *llm.Registry
	llms     *llm.Router
	runtime  *AgentRuntime
	audit    *AuditRecorder
	feedback *FeedbackStore
	docs     *docsource.Resolver
	super    *Supervisor

	httpServer *http.Server
}

// NewServer wires every component from configuration.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: logger.New("engine-server"),
	}

	if err := cfg.ResolveSecrets(ctx); err != nil {
		s.log.Warn("", "", "secret resolution failed, continuing with configured values", map[string]interface{}{
			"error": err.Error(),
		})
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	s.db = db

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := s.initRetrieval(); err != nil {
		return nil, err
	}
	s.initPolicyAndPII()
	if err := s.initLLM(ctx); err != nil {
		return nil, err
	}
	if err := s.initTools(); err != nil {
		return nil, err
	}
	s.initDocSources(ctx)

	s.audit = NewAuditRecorder(db)
	s.feedback = NewFeedbackStore(db, s.audit)
	s.runtime = NewAgentRuntime(s.llms)
	s.super = NewSupervisor(s.runtime, s.tools, s.policies, s.detector, s.audit, SupervisorOptions{
		Workers:    cfg.Engine.Workers,
		QueueDepth: cfg.Engine.QueueDepth,
	})

	return s, nil
}

func (s *Server) initRetrieval() error {
	switch s.cfg.Embedding.Provider {
	case "noop", "":
		s.embedder = embedding.NewNoopProvider(s.cfg.Embedding.Dims)
	default:
		s.embedder = embedding.NewOllamaProvider(s.cfg.Embedding.URL, s.cfg.Embedding.Model, s.cfg.Embedding.Dims)
	}

	qdrant, err := retrieval.NewQdrantIndex(retrieval.QdrantConfig{
		URL:        s.cfg.Qdrant.URL,
		APIKey:     s.cfg.Qdrant.APIKey,
		Collection: s.cfg.Qdrant.Collection,
		Dims:       uint64(s.cfg.Qdrant.Dims),
	})
	if err != nil {
		return fmt.Errorf("qdrant client: %w", err)
	}
	s.qdrant = qdrant

	lexical := retrieval.NewPostgresLexicalIndex(s.db)
	s.centroids = retrieval.NewCentroids(s.db, s.redis)
	s.federator = retrieval.NewFederator(qdrant, lexical, s.embedder, s.centroids)
	return nil
}

func (s *Server) initPolicyAndPII() {
	s.detector = NewPIIDetector()
	s.policies = NewPolicyEngine(s.db, s.redis)
}

func (s *Server) initLLM(ctx context.Context) error {
	s.registry = llm.NewRegistry()

	if s.cfg.LLM.AnthropicAPIKey != "" {
		provider, err := anthropic.New(anthropic.Config{
			APIKey: s.cfg.LLM.AnthropicAPIKey,
			Model:  s.cfg.LLM.AnthropicModel,
		})
		if err != nil {
			return fmt.Errorf("anthropic provider: %w", err)
		}
		if err := s.registry.Register(provider); err != nil {
			return err
		}
	}

	if s.cfg.LLM.BedrockModel != "" {
		provider, err := bedrock.New(ctx, bedrock.Config{
			Region: s.cfg.LLM.BedrockRegion,
			Model:  s.cfg.LLM.BedrockModel,
		})
		if err != nil {
			s.log.Warn("", "", "bedrock provider unavailable", map[string]interface{}{"error": err.Error()})
		} else if err := s.registry.Register(provider); err != nil {
			return err
		}
	}

	if s.registry.Count() == 0 {
		return fmt.Errorf("no LLM provider configured: set ANTHROPIC_API_KEY or BEDROCK_MODEL")
	}

	s.llms = llm.NewRouter(s.registry)
	s.llms.SetModelPreference("claude-", "anthropic")
	s.llms.SetModelPreference("anthropic.", "bedrock")
	s.llms.SetDefaultProvider(s.cfg.LLM.DefaultProvider)
	return nil
}

func (s *Server) initTools() error {
	s.tools = NewToolRegistry()
	lexical := retrieval.NewPostgresLexicalIndex(s.db)
	return RegisterDefaultTools(s.tools, s.federator, lexical, s.detector)
}

func (s *Server) initDocSources(ctx context.Context) {
	s.docs = docsource.NewResolver()

	if fetcher, err := docsource.NewS3Fetcher(ctx, s.cfg.Storage.AWSRegion); err == nil {
		s.docs.Register(fetcher)
	} else {
		s.log.Warn("", "", "s3 document source unavailable", map[string]interface{}{"error": err.Error()})
	}
	if fetcher, err := docsource.NewGCSFetcher(ctx); err == nil {
		s.docs.Register(fetcher)
	} else {
		s.log.Warn("", "", "gcs document source unavailable", map[string]interface{}{"error": err.Error()})
	}
	if s.cfg.Storage.AzureAccount != "" {
		if fetcher, err := docsource.NewAzureBlobFetcher(s.cfg.Storage.AzureAccount); err == nil {
			s.docs.Register(fetcher)
		} else {
			s.log.Warn("", "", "azure document source unavailable", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Start creates schemas, launches background loops, and serves HTTP. It
// blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	for name, ensure := range map[string]func(context.Context) error{
		"policies": s.policies.EnsurePolicySchema,
		"audit":    s.audit.EnsureAuditSchema,
		"feedback": s.feedback.EnsureFeedbackSchema,
		"qdrant":   s.qdrant.EnsureCollection,
	} {
		if err := ensure(ctx); err != nil {
			s.log.Warn("", "", "schema setup failed", map[string]interface{}{
				"component": name, "error": err.Error(),
			})
		}
	}

	s.policies.StartPeriodicReload(ctx)
	s.registry.HealthCheck(ctx)
	s.registry.StartPeriodicHealthCheck(ctx, 60*time.Second)
	s.super.Start()

	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/runs", s.submitRunHandler).Methods("POST")
	r.HandleFunc("/api/v1/runs/{id}", s.runStatusHandler).Methods("GET")
	r.HandleFunc("/api/v1/runs/{id}/cancel", s.cancelRunHandler).Methods("POST")
	r.HandleFunc("/api/v1/runs/{id}/audit", s.auditHandler).Methods("GET")
	r.HandleFunc("/api/v1/feedback", s.feedbackHandler).Methods("POST")
	r.HandleFunc("/api/v1/feedback/{run_id}/summary", s.feedbackSummaryHandler).Methods("GET")
	r.HandleFunc("/api/v1/centroids/{tenant_id}/{tag}", s.centroidUpsertHandler).Methods("PUT")

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("", "", "engine listening", map[string]interface{}{"port": s.cfg.Server.Port})

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the HTTP server and drains background components.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
	}
	s.super.Stop()
	s.policies.Stop()
	s.audit.Close()
	if err := s.qdrant.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ---- request/response shapes ----

// ExternalDocumentRequest is one attached document, inline or by URI.
type ExternalDocumentRequest struct {
	SourceID string            `json:"source_id"`
	Text     string            `json:"text,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RunConfigRequest carries per-request overrides of the run defaults.
type RunConfigRequest struct {
	UseInternalRAG        *bool                `json:"use_internal_rag,omitempty"`
	KTotal                *int                 `json:"k_total,omitempty"`
	EnablePersonalisation *bool                `json:"enable_personalisation,omitempty"`
	PersonalisationAlpha  *float64             `json:"personalisation_alpha,omitempty"`
	MaxIterations         *int                 `json:"max_iterations,omitempty"`
	DeadlineMS            *int                 `json:"deadline_ms,omitempty"`
	CostCeiling           *float64             `json:"cost_ceiling,omitempty"`
	ModelPreferences      map[AgentKind]string `json:"model_preferences,omitempty"`
	PIIStrategy           *PIIStrategy         `json:"pii_strategy,omitempty"`
	DocumentType          *string              `json:"document_type,omitempty"`
	MaxRevisions          *int                 `json:"max_revisions,omitempty"`
}

// Apply overlays the overrides onto a config.
func (r *RunConfigRequest) Apply(cfg *RunConfig) {
	if r == nil {
		return
	}
	if r.UseInternalRAG != nil {
		cfg.UseInternalRAG = *r.UseInternalRAG
	}
	if r.KTotal != nil {
		cfg.KTotal = *r.KTotal
	}
	if r.EnablePersonalisation != nil {
		cfg.EnablePersonalisation = *r.EnablePersonalisation
	}
	if r.PersonalisationAlpha != nil {
		cfg.PersonalisationAlpha = *r.PersonalisationAlpha
	}
	if r.MaxIterations != nil {
		cfg.MaxIterations = *r.MaxIterations
	}
	if r.DeadlineMS != nil {
		cfg.DeadlineMS = *r.DeadlineMS
	}
	if r.CostCeiling != nil {
		cfg.CostCeiling = *r.CostCeiling
	}
	if len(r.ModelPreferences) > 0 {
		cfg.ModelPreferences = r.ModelPreferences
	}
	if r.PIIStrategy != nil {
		cfg.PIIStrategy = *r.PIIStrategy
	}
	if r.DocumentType != nil {
		cfg.DocumentType = *r.DocumentType
	}
	if r.MaxRevisions != nil {
		cfg.MaxRevisions = *r.MaxRevisions
	}
}

// SubmitRunRequest is the body of POST /api/v1/runs.
type SubmitRunRequest struct {
	TenantID     string                    `json:"tenant_id"`
	UserID       string                    `json:"user_id,omitempty"`
	Task         TaskKind                  `json:"task"`
	Query        string                    `json:"query"`
	ExternalDocs []ExternalDocumentRequest `json:"external_docs,omitempty"`
	Config       *RunConfigRequest         `json:"config,omitempty"`
}

// Validate enforces the ingress bounds.
func (r *SubmitRunRequest) Validate() error {
	if r.TenantID == "" {
		return NewError(ErrInputInvalid, "tenant_id is required")
	}
	if r.Query == "" {
		return NewError(ErrInputInvalid, "query is required")
	}
	if len(r.Query) > maxQueryBytes {
		return NewError(ErrInputInvalid, "query exceeds %d bytes", maxQueryBytes)
	}
	if !ValidTaskKind(r.Task) {
		return NewError(ErrInputInvalid, "unknown task %q", r.Task)
	}
	if len(r.ExternalDocs) > maxExternalDocs {
		return NewError(ErrInputInvalid, "at most %d external documents are accepted", maxExternalDocs)
	}
	seen := make(map[string]struct{}, len(r.ExternalDocs))
	totalBytes := 0
	for i, doc := range r.ExternalDocs {
		if doc.SourceID == "" {
			return NewError(ErrInputInvalid, "external_docs[%d] is missing source_id", i)
		}
		if _, dup := seen[doc.SourceID]; dup {
			return NewError(ErrInputInvalid, "duplicate source_id %q", doc.SourceID)
		}
		seen[doc.SourceID] = struct{}{}
		if doc.Text == "" && doc.URI == "" {
			return NewError(ErrInputInvalid, "external_docs[%d] needs text or uri", i)
		}
		if len(doc.Text) > maxDocTextBytes {
			return NewError(ErrInputInvalid, "external_docs[%d] exceeds %d bytes", i, maxDocTextBytes)
		}
		totalBytes += len(doc.Text)
	}
	if totalBytes > maxTotalDocBytes {
		return NewError(ErrInputInvalid, "external documents exceed %d bytes in total", maxTotalDocBytes)
	}
	return nil
}

type submitRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

type errorResponse struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	RunID  string `json:"run_id,omitempty"`
}

// ---- handlers ----

func (s *Server) submitRunHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, NewError(ErrInputInvalid, "malformed request body"), "")
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}

	docs, err := s.resolveDocuments(r.Context(), req.ExternalDocs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, WrapError(ErrInputInvalid, err, "document resolution failed"), "")
		return
	}

	cfg := DefaultRunConfig()
	cfg.CostCeiling = s.cfg.Engine.CostCeiling
	req.Config.Apply(&cfg)

	state := NewRunState(uuid.New().String(), req.TenantID, req.UserID, req.Task, req.Query, docs, cfg)
	if err := s.super.Submit(context.Background(), state); err != nil {
		status := http.StatusServiceUnavailable
		if IsKind(err, ErrInputInvalid) {
			status = http.StatusTooManyRequests
		}
		s.writeError(w, status, err, state.RunID)
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitRunResponse{RunID: state.RunID, Status: state.Status})
}

func (s *Server) resolveDocuments(ctx context.Context, reqs []ExternalDocumentRequest) ([]ExternalDocument, error) {
	docs := make([]ExternalDocument, 0, len(reqs))
	for _, req := range reqs {
		text := req.Text
		if text == "" && req.URI != "" {
			resolved, err := s.docs.Resolve(ctx, req.URI)
			if err != nil {
				return nil, fmt.Errorf("document %s: %w", req.SourceID, err)
			}
			text = resolved
		}
		docs = append(docs, ExternalDocument{
			SourceID: req.SourceID,
			Text:     text,
			URI:      req.URI,
			Metadata: req.Metadata,
		})
	}
	return docs, nil
}

func (s *Server) runStatusHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	state := s.super.Lookup(runID)
	if state == nil {
		s.writeError(w, http.StatusNotFound, NewError(ErrInputInvalid, "unknown run"), runID)
		return
	}

	resp := map[string]interface{}{
		"run_id":     state.RunID,
		"status":     state.Status,
		"iteration":  state.Iteration,
		"cost_spent": state.CostSpent,
	}
	if state.Status.Terminal() {
		resp["final_text"] = state.FinalText
		resp["document_type"] = state.DocumentType
		resp["duration_ms"] = state.Elapsed().Milliseconds()
		resp["sources_used"] = state.SourcesConsumed()

		if len(state.Retrievals) > 0 {
			last := state.Retrievals[len(state.Retrievals)-1]
			resp["context"] = map[string]interface{}{
				"total":                   len(last.Hits),
				"internal_count":          last.Fusion.InternalCount,
				"external_count":          last.Fusion.ExternalCount,
				"personalisation_applied": last.Fusion.PersonalisationApplied,
			}
			external := make([]map[string]interface{}, 0)
			for _, hit := range last.Hits {
				if hit.Origin == retrieval.OriginExternal || hit.Origin == retrieval.OriginBoth {
					external = append(external, map[string]interface{}{
						"source_id":   hit.SourceID,
						"rank":        hit.Rank,
						"fused_score": hit.FusedScore,
					})
				}
			}
			resp["external_sources"] = external
		}
		if state.ErrorKind != "" {
			resp["error_kind"] = state.ErrorKind
			resp["error_cause"] = state.ErrorCause
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if !s.super.Cancel(runID) {
		s.writeError(w, http.StatusNotFound, NewError(ErrInputInvalid, "unknown run"), runID)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	readerID := r.Header.Get("X-Reader-ID")
	if readerID == "" {
		s.writeError(w, http.StatusBadRequest, NewError(ErrInputInvalid, "X-Reader-ID header is required"), runID)
		return
	}
	reason := r.URL.Query().Get("reason")

	record, err := s.audit.Fetch(r.Context(), runID, readerID, reason)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err, runID)
		return
	}
	if record == nil {
		s.writeError(w, http.StatusNotFound, NewError(ErrInputInvalid, "no audit record for run"), runID)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) feedbackHandler(w http.ResponseWriter, r *http.Request) {
	var event FeedbackEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.writeError(w, http.StatusBadRequest, NewError(ErrInputInvalid, "malformed request body"), "")
		return
	}

	if err := s.feedback.Attach(r.Context(), &event); err != nil {
		status := http.StatusInternalServerError
		if IsKind(err, ErrInputInvalid) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err, event.RunID)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"event_id": event.ID, "run_id": event.RunID})
}

func (s *Server) feedbackSummaryHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	summary, err := s.feedback.Summarise(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err, runID)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) centroidUpsertHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, tag := vars["tenant_id"], vars["tag"]

	var body struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, NewError(ErrInputInvalid, "malformed request body"), "")
		return
	}
	if len(body.Embedding) == 0 {
		s.writeError(w, http.StatusBadRequest, NewError(ErrInputInvalid, "embedding is required"), "")
		return
	}

	if err := s.centroids.Upsert(r.Context(), tenantID, tag, body.Embedding); err != nil {
		s.writeError(w, http.StatusInternalServerError, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"tenant_id": tenantID, "tag": tag})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if err := s.db.PingContext(r.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}
	if err := s.redis.Ping(r.Context()).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}
	if err := s.qdrant.Healthy(r.Context()); err != nil {
		checks["qdrant"] = err.Error()
		// degraded, not fatal: lexical leg still works
	} else {
		checks["qdrant"] = "ok"
	}
	if providers := s.registry.HealthyProviders(); len(providers) == 0 {
		checks["llm"] = "no healthy providers"
		healthy = false
	} else {
		checks["llm"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{"healthy": healthy, "checks": checks})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("", "", "response encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error, runID string) {
	resp := errorResponse{Code: string(KindOf(err)), Reason: err.Error(), RunID: runID}
	s.writeJSON(w, status, resp)
}
