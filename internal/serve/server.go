package serve

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vireohq/chatcore/internal/config"
	"github.com/vireohq/chatcore/internal/gateway"
	"github.com/vireohq/chatcore/internal/history"
	"github.com/vireohq/chatcore/internal/ledger"
	"github.com/vireohq/chatcore/internal/llm"
	"github.com/vireohq/chatcore/internal/mcp"
)

// turnTimeout bounds a single turn end to end, tool rounds included.
const turnTimeout = 15 * time.Minute

// Options configures the gateway HTTP server.
type Options struct {
	Addr          string
	Token         string // Empty disables auth
	MaxToolRounds int
}

// Server is the HTTP delivery layer: it accepts turn requests, streams
// events over SSE, and settles usage against the ledger when each turn
// finishes.
type Server struct {
	opts      Options
	cfg       *config.Config
	providers *llm.ProviderCache
	registry  *mcp.Registry
	bridge    *mcp.Bridge
	ledger    *ledger.Ledger
	history   *history.Store

	server *http.Server
}

// NewServer wires the delivery layer over its collaborators. history may be
// nil for stateless-only operation.
func NewServer(opts Options, cfg *config.Config, providers *llm.ProviderCache, registry *mcp.Registry, ldgr *ledger.Ledger, hist *history.Store) *Server {
	return &Server{
		opts:      opts,
		cfg:       cfg,
		providers: providers,
		registry:  registry,
		bridge:    mcp.NewBridge(registry),
		ledger:    ldgr,
		history:   hist,
	}
}

// Start begins listening. It returns once the listener is up, or with the
// startup error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the route table without a listener, for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/turns", s.auth(s.handleTurn))
	mux.HandleFunc("/v1/models", s.auth(s.handleModels))
	mux.HandleFunc("/v1/tools", s.auth(s.handleTools))
	mux.HandleFunc("/v1/balance", s.auth(s.handleBalance))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authentication credentials")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authentication credentials")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}

	type modelEntry struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Default  bool   `json:"default"`
	}
	var models []modelEntry
	for name, pc := range s.cfg.Providers {
		if pc.Model == "" {
			continue
		}
		models = append(models, modelEntry{
			Provider: name,
			Model:    pc.Model,
			Default:  name == s.cfg.DefaultProvider,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}

	type toolEntry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	tools := s.registry.AllTools()
	entries := make([]toolEntry, 0, len(tools))
	for _, tool := range tools {
		entries = append(entries, toolEntry{Name: tool.Name, Description: tool.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": entries})
}

// handleBalance reports a user's power and an advisory sufficiency check.
// The answer can be stale by the time a turn settles; the ledger's atomic
// deduction remains the authoritative gate.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	balance, err := s.ledger.Store().Balance(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := map[string]any{
		"user_id": userID,
		"power":   balance,
	}
	if required := r.URL.Query().Get("required"); required != "" {
		var need float64
		if _, err := fmt.Sscanf(required, "%g", &need); err == nil {
			resp["sufficient"] = balance >= need
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"type": errType, "message": message},
	})
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func decodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// orchestratorFor builds a turn orchestrator for the requested model spec
// ("provider", "provider:model", or empty for the default).
func (s *Server) orchestratorFor(modelSpec string) (*gateway.Orchestrator, string, error) {
	var providerName, model string
	if modelSpec != "" {
		var err error
		providerName, model, err = llm.ParseProviderModel(modelSpec, s.cfg)
		if err != nil {
			return nil, "", err
		}
	}
	provider, err := s.providers.Get(providerName)
	if err != nil {
		return nil, "", err
	}
	o := gateway.NewOrchestrator(provider, s.bridge)
	if s.opts.MaxToolRounds > 0 {
		o.SetMaxRounds(s.opts.MaxToolRounds)
	}
	return o, model, nil
}
