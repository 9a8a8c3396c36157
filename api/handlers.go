package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/hemant07j07/eventstore"
	"github.com/hemant07j07/eventstore/internal/logging"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// eventsPage is the events listing response.
type eventsPage struct {
	Count    int                `json:"count"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Results  []eventstore.Event `json:"results"`
}

// listEvents handles GET /api/events?q=&city=&status=&from=&to=&page=&page_size=.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := eventstore.QueryOpts{
		Query:  strings.TrimSpace(q.Get("q")),
		City:   strings.TrimSpace(q.Get("city")),
		Status: eventstore.Status(q.Get("status")),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		respondError(w, r, http.StatusBadRequest, "Invalid status")
		return
	}

	var err error
	if opts.From, err = parseBound(q.Get("from"), false); err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid from")
		return
	}
	if opts.To, err = parseBound(q.Get("to"), true); err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid to")
		return
	}

	page, ok := positiveInt(q.Get("page"), 1)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "Invalid page")
		return
	}
	size, ok := positiveInt(q.Get("page_size"), DefaultPageSize)
	if !ok {
		respondError(w, r, http.StatusBadRequest, "Invalid page_size")
		return
	}
	size = min(size, MaxPageSize)
	opts.Limit = size
	opts.Offset = (page - 1) * size

	events, err := s.store.List(r.Context(), opts)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	respondJSON(w, r, http.StatusOK, eventsPage{Count: len(events), Page: page, PageSize: size, Results: events})
}

// getEvent handles GET /api/events/{id}.
func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if ev == nil {
		respondError(w, r, http.StatusNotFound, "Not found")
		return
	}
	respondJSON(w, r, http.StatusOK, ev)
}

// subscribeRequest is the body of POST /api/subscriptions.
type subscribeRequest struct {
	EventID string `json:"event_id" validate:"required"`
	Email   string `json:"email" validate:"required,email"`
	Consent *bool  `json:"consent" validate:"required"`
}

// subscribe handles POST /api/subscriptions.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.EventID = strings.TrimSpace(req.EventID)
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !*req.Consent {
		respondError(w, r, http.StatusBadRequest, "Consent is required")
		return
	}

	id, err := s.store.AddSubscription(r.Context(), eventstore.Subscription{
		EventID:   req.EventID,
		Email:     req.Email,
		Consent:   true,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, map[string]string{"status": "ok", "id": id})
}

// recommendRequest is the body of POST /api/recommendations.
type recommendRequest struct {
	Type        string `json:"type"`
	EventID     string `json:"event_id"`
	Preferences string `json:"preferences"`
	K           int    `json:"k"`
}

// recommend handles POST /api/recommendations. It answers 503 until the
// similarity index has been built.
func (s *Server) recommend(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		respondError(w, r, http.StatusServiceUnavailable, "Recommendations not configured")
		return
	}
	var req recommendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	recs, err := s.resolver.Resolve(r.Context(), eventstore.RecommendRequest{
		Mode:        req.Type,
		EventID:     req.EventID,
		Preferences: req.Preferences,
		K:           req.K,
	})
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"results": recs})
}

// importRequest is the optional body of POST /api/admin/import/{id}.
type importRequest struct {
	Notes *string `json:"notes"`
}

// adminImport handles POST /api/admin/import/{id}. The importer is taken
// from X-User-Email, defaulting to "admin". Blank notes count as absent.
func (s *Server) adminImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	by := strings.TrimSpace(r.Header.Get("X-User-Email"))
	if by == "" {
		by = "admin"
	}
	imp := eventstore.ImportMark{By: by, At: s.now().UTC()}
	if req.Notes != nil {
		if notes := strings.TrimSpace(*req.Notes); notes != "" {
			imp.Notes = &notes
		}
	}

	id := chi.URLParam(r, "id")
	if err := s.store.MarkImported(r.Context(), id, imp); err != nil {
		respondStoreError(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("event_id", id).Str("by", by).Msg("event imported")
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "imported"})
}

// requireAdmin rejects requests without the configured admin token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			respondError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// health handles GET /healthz. It reports 503 when the store cannot answer.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		respondJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"status": "ok", "events": counts})
}

// parseBound accepts RFC 3339 or a bare date. A bare upper bound covers the
// whole day.
func parseBound(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func positiveInt(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
