package limiterhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-gate/internal/rules"
	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// WorkFunc is the unit of work /api/limiter/execute runs for admitted callers.
type WorkFunc func(ctx context.Context, req ExecuteRequest) (any, error)

// DocumentProvider exposes the active rules document. *rules.Applier satisfies it.
type DocumentProvider interface {
	Active() *rules.Loaded
	Owns(identity string) bool
}

type Options struct {
	Limiter *ratelimit.Limiter
	Logger  log.Logger

	// Work defaults to Echo
	Work WorkFunc

	// Documents is optional, without it /rules/document is 404
	Documents DocumentProvider

	// EnableRulesAPI exposes POST and DELETE on /rules, otherwise they are 404
	EnableRulesAPI bool
}

// API implements the limiter endpoints.
type API struct {
	limiter   *ratelimit.Limiter
	logger    log.Logger
	work      WorkFunc
	documents DocumentProvider
	mutations bool
}

func NewAPI(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	work := opts.Work
	if work == nil {
		work = Echo
	}
	return &API{
		limiter:   opts.Limiter,
		logger:    logger,
		work:      work,
		documents: opts.Documents,
		mutations: opts.EnableRulesAPI,
	}
}

// Echo returns the caller identity and payload.
func Echo(_ context.Context, req ExecuteRequest) (any, error) {
	return EchoResult{
		Identity:    req.Identity,
		Payload:     req.Payload,
		ProcessedAt: time.Now().UTC(),
	}, nil
}

// RegisterRoutes attaches the limiter endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/limiter", func(r chi.Router) {
		r.Get("/identities", api.HandleIdentities)
		r.Get("/usage", api.HandleUsage)
		r.Post("/execute", api.HandleExecute)
		r.With(api.limiter.Middleware).Get("/ping", api.HandlePing)
		r.Get("/rules", api.HandleGetRules)
		r.Get("/rules/document", api.HandleDocument)

		r.Group(func(r chi.Router) {
			r.Use(api.requireMutations)
			r.Post("/rules", api.HandleSetRules)
			r.Delete("/rules", api.HandleDeleteRules)
			// older clients
			r.Post("/set-limit", api.HandleSetRules)
		})
	})
}

// disabled routes stay registered so they 404 rather than 405
func (api *API) requireMutations(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !api.mutations {
			api.writeError(r.Context(), w, http.StatusNotFound, "not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userParam(r *http.Request) (string, bool) {
	user := r.URL.Query().Get("user")
	if user == "" || len(user) > httpmw.MaxIdentityLen {
		return "", false
	}
	return user, true
}

// HandleSetRules replaces the rule set of ?user= with the JSON array in the body.
func (api *API) HandleSetRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := userParam(r)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "user query parameter is required")
		return
	}

	var specs []rules.RuleSpec
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&specs); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeError(ctx, w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.writeError(ctx, w, http.StatusBadRequest, "body must be a JSON array of rules")
		return
	}

	parsed, err := rules.ParseRuleSpecs(specs)
	if err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := api.limiter.SetRules(user, parsed); err != nil {
		if errors.Is(err, ratelimit.ErrCapacity) {
			api.writeError(ctx, w, http.StatusConflict, "identity limit reached")
			return
		}
		api.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	managed := api.owned(user)
	api.logger.Info(ctx, "limiter rules set",
		"identity", user,
		"rules", len(parsed),
		"managed_by_document", managed,
		"client.address", httpmw.ClientIPFromContext(ctx),
	)
	api.writeJSON(ctx, w, http.StatusOK, RulesResponse{
		Identity:          user,
		Rules:             rules.SpecsOf(parsed),
		ManagedByDocument: managed,
	})
}

func (api *API) HandleGetRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := userParam(r)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	set, ok := api.limiter.Rules(user)
	if !ok {
		api.writeError(ctx, w, http.StatusNotFound, "no rules for identity")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, RulesResponse{
		Identity:          user,
		Rules:             rules.SpecsOf(set),
		ManagedByDocument: api.owned(user),
	})
}

func (api *API) HandleDeleteRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := userParam(r)
	if !ok {
		api.writeError(ctx, w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	if !api.limiter.RemoveRules(user) {
		api.writeError(ctx, w, http.StatusNotFound, "no rules for identity")
		return
	}
	api.logger.Info(ctx, "limiter rules removed",
		"identity", user,
		"client.address", httpmw.ClientIPFromContext(ctx),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) HandleIdentities(w http.ResponseWriter, r *http.Request) {
	ids := api.limiter.Identities()
	api.writeJSON(r.Context(), w, http.StatusOK, IdentitiesResponse{Identities: ids, Count: len(ids)})
}

// HandleUsage reports the caller's current window counts without consuming a slot.
func (api *API) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := httpmw.IdentityFromContext(ctx)
	if identity == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "missing identity")
		return
	}
	usage, configured := api.limiter.Usage(identity)
	resp := UsageResponse{Identity: identity, Configured: configured, Rules: make([]RuleUsage, 0, len(usage))}
	for _, u := range usage {
		resp.Rules = append(resp.Rules, RuleUsage{RuleSpec: rules.SpecOf(u.Rule), Count: u.Count, Remaining: u.Remaining})
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleExecute runs the work unit for the caller if admitted.
// Work failures are logged and reported as a bare 500.
func (api *API) HandleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := httpmw.IdentityFromContext(ctx)
	if identity == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "missing identity")
		return
	}

	payload, err := readPayload(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			api.writeError(ctx, w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.writeError(ctx, w, http.StatusBadRequest, "body must be JSON")
		return
	}

	d, res, err := ratelimit.PerformDecision(ctx, api.limiter, identity, func(ctx context.Context) (any, error) {
		return api.work(ctx, ExecuteRequest{Identity: identity, Payload: payload})
	})
	if !d.Admitted {
		w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(d.RetryAfter))
		api.writeError(ctx, w, http.StatusTooManyRequests, "too many requests")
		return
	}
	if !d.Open {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Rule.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if err != nil {
		api.logger.Error(ctx, err, "execute: work failed", "identity", identity)
		api.writeError(ctx, w, http.StatusInternalServerError, "work failed")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, ExecuteResponse{Result: res})
}

// readPayload returns the body as raw JSON, nil when empty.
func readPayload(r *http.Request) (json.RawMessage, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, xerrors.New("payload is not valid JSON")
	}
	return json.RawMessage(b), nil
}

func (api *API) HandlePing(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleDocument describes the rules document currently applied.
func (api *API) HandleDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var active *rules.Loaded
	if api.documents != nil {
		active = api.documents.Active()
	}
	if active == nil {
		api.writeError(ctx, w, http.StatusNotFound, "no rules document applied")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, DocumentResponse{
		SHA256:     active.SHA256,
		Source:     active.Source,
		Signed:     active.Signed,
		LoadedAt:   active.LoadedAt.Truncate(time.Second),
		Identities: len(active.Document.Identities),
		Document:   active.Document,
	})
}

func (api *API) owned(identity string) bool {
	return api.documents != nil && api.documents.Owns(identity)
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
