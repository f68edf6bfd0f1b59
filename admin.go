package cachepilot

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cache-pilot/cache-pilot/pkg/category"
	configstore "github.com/cache-pilot/cache-pilot/pkg/config-store"
)

const maxConfigBodyBytes = 1 << 20

// AdminConfig for the configuration API server.
type AdminConfig struct {
	// Store the API reads and writes through. Required.
	Store *configstore.Store
	// Token guards every /v1 route. Required.
	Token string
	// Metrics mounts /metrics when set.
	Metrics *Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// WriteRate limits configuration writes across all callers.
	// Default 5 per second with a burst of 10.
	WriteRate  rate.Limit
	WriteBurst int
}

type adminAPI struct {
	store   *configstore.Store
	token   []byte
	limiter *rate.Limiter
	log     zerolog.Logger
}

// AdminHandler returns the configuration API. Routes under /v1 require the
// bearer token; /healthz and /metrics are open.
func AdminHandler(config AdminConfig) http.Handler {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.WriteRate <= 0 {
		config.WriteRate = 5
	}
	if config.WriteBurst <= 0 {
		config.WriteBurst = 10
	}
	a := &adminAPI{
		store:   config.Store,
		token:   []byte(config.Token),
		limiter: rate.NewLimiter(config.WriteRate, config.WriteBurst),
		log:     logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			a.log.Error().Err(err).Msg("Error writing health check response")
		}
	})
	if config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", config.Metrics.Handler())
	}

	r.Route("/v1/config", func(pr chi.Router) {
		pr.Use(a.requireToken)
		pr.Get("/environment", a.getEnvironment)
		pr.Put("/environment", a.putEnvironment)
		pr.Get("/categories", a.getCategories)
		pr.Put("/categories", a.putCategories)
		pr.Get("/categories/{name}", a.getCategory)
		pr.Put("/categories/{name}", a.putCategory)
		pr.Delete("/categories/{name}", a.deleteCategory)
		pr.Post("/refresh", a.refresh)
	})

	return r
}

func (a *adminAPI) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.token) == 0 {
			a.writeError(w, http.StatusUnauthorized, "admin API disabled: no token configured")
			return
		}
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(bearer), a.token) != 1 {
			a.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowWrite applies the shared write rate limit.
func (a *adminAPI) allowWrite(w http.ResponseWriter) bool {
	if a.limiter.Allow() {
		return true
	}
	a.writeError(w, http.StatusTooManyRequests, "configuration write rate exceeded")
	return false
}

func (a *adminAPI) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBodyBytes))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "could not read request body: "+err.Error())
		return nil, false
	}
	return body, true
}

func (a *adminAPI) getEnvironment(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.store.Environment())
}

func (a *adminAPI) putEnvironment(w http.ResponseWriter, r *http.Request) {
	if !a.allowWrite(w) {
		return
	}
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	env, err := a.store.SaveEnvironmentJSON(body)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.log.Info().Str("environment", env.Name).Msg("Environment updated")
	a.writeJSON(w, http.StatusOK, env)
}

func (a *adminAPI) getCategories(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.store.Categories())
}

func (a *adminAPI) putCategories(w http.ResponseWriter, r *http.Request) {
	if !a.allowWrite(w) {
		return
	}
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	set, err := a.store.SaveCategoriesJSON(body)
	if err != nil {
		a.storeError(w, err)
		return
	}
	a.log.Info().Strs("categories", set.Names()).Msg("Category list replaced")
	a.writeJSON(w, http.StatusOK, set)
}

func (a *adminAPI) getCategory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	named, ok := a.store.Category(name)
	if !ok {
		a.writeError(w, http.StatusNotFound, "category "+name+" not found")
		return
	}
	a.writeJSON(w, http.StatusOK, named)
}

func (a *adminAPI) putCategory(w http.ResponseWriter, r *http.Request) {
	if !a.allowWrite(w) {
		return
	}
	name := chi.URLParam(r, "name")
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	var named category.Named
	if err := json.Unmarshal(body, &named); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed category document: "+err.Error())
		return
	}
	if named.Name == "" {
		named.Name = name
	} else if named.Name != name {
		a.writeError(w, http.StatusBadRequest, "category name in body does not match URL")
		return
	}
	if err := a.store.SaveCategory(named); err != nil {
		a.storeError(w, err)
		return
	}
	a.log.Info().Str("category", named.Name).Msg("Category saved")
	a.writeJSON(w, http.StatusOK, named)
}

func (a *adminAPI) deleteCategory(w http.ResponseWriter, r *http.Request) {
	if !a.allowWrite(w) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := a.store.DeleteCategory(name); err != nil {
		a.storeError(w, err)
		return
	}
	a.log.Info().Str("category", name).Msg("Category deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) refresh(w http.ResponseWriter, r *http.Request) {
	a.store.ForceRefresh()
	snap := a.store.Snapshot()
	a.writeJSON(w, http.StatusOK, map[string]string{"version": snap.Version})
}

type apiError struct {
	Error string `json:"error"`
}

func (a *adminAPI) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, apiError{Error: message})
}

func (a *adminAPI) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("Error writing response")
	}
}

func (a *adminAPI) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, configstore.ErrValidation):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, configstore.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, configstore.ErrStore):
		a.writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
