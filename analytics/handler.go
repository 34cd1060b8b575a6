package analytics

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/msgstats/horosafe"
	"github.com/hazyhaar/msgstats/kit"
	"github.com/hazyhaar/msgstats/observability"
	"github.com/hazyhaar/msgstats/shield"
	"github.com/hazyhaar/msgstats/stats"
)

// StatsRequest asks for the sent/received counts of one contact.
type StatsRequest struct {
	ContactID string `json:"contact_id"`
}

// WordFrequencyRequest asks for the top Limit words of one contact.
type WordFrequencyRequest struct {
	ContactID string `json:"contact_id"`
	Limit     int    `json:"limit"`
}

// WordFrequencyResponse is the body of the word-frequency endpoint.
type WordFrequencyResponse struct {
	Frequencies []stats.WordCount `json:"frequencies"`
}

// Handler exposes a Service over HTTP and MCP. Both transports dispatch to
// the same endpoints, so validation, auditing and error mapping are shared.
type Handler struct {
	contactStats  kit.Endpoint
	wordFrequency kit.Endpoint
	defaultLimit  int
}

// NewHandler builds the endpoints. audit may be nil.
func NewHandler(svc *Service, audit *observability.AuditLogger, defaultLimit int) *Handler {
	chain := func(op string) kit.Middleware {
		if audit == nil {
			return kit.Chain()
		}
		return audit.Middleware("analytics", op)
	}
	return &Handler{
		contactStats:  chain("contact_stats")(makeContactStatsEndpoint(svc)),
		wordFrequency: chain("word_frequency")(makeWordFrequencyEndpoint(svc)),
		defaultLimit:  defaultLimit,
	}
}

func makeContactStatsEndpoint(svc *Service) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		r := req.(*StatsRequest)
		if err := horosafe.ValidateContactID(r.ContactID); err != nil {
			return nil, Classify(err)
		}
		counts, err := svc.ContactStats(ctx, r.ContactID)
		if err != nil {
			return nil, Classify(err)
		}
		return counts, nil
	}
}

func makeWordFrequencyEndpoint(svc *Service) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		r := req.(*WordFrequencyRequest)
		if err := horosafe.ValidateContactID(r.ContactID); err != nil {
			return nil, Classify(err)
		}
		words, err := svc.WordFrequency(ctx, r.ContactID, r.Limit)
		if err != nil {
			return nil, Classify(err)
		}
		return WordFrequencyResponse{Frequencies: words}, nil
	}
}

// Routes mounts the analytics endpoints on r. Authentication is the
// caller's concern.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/analytics/contacts/{contact_id}/stats", h.handleStats)
	r.Get("/analytics/contacts/{contact_id}/word-frequency", h.handleWordFrequency)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	req := &StatsRequest{ContactID: contactParam(r)}
	h.serve(w, r, h.contactStats, req)
}

func (h *Handler) handleWordFrequency(w http.ResponseWriter, r *http.Request) {
	req := &WordFrequencyRequest{ContactID: contactParam(r), Limit: h.defaultLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.fail(w, r, badRequest("limit must be an integer"))
			return
		}
		req.Limit = n
	}
	h.serve(w, r, h.wordFrequency, req)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, ep kit.Endpoint, req any) {
	resp, err := ep(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := Classify(err).(*Error)
	log := shield.GetLogger(r.Context())
	if e.Status >= http.StatusInternalServerError {
		log.Error("analytics: request failed", "status", e.Status, "error", err)
	} else {
		log.Info("analytics: request rejected", "status", e.Status, "error", err)
	}
	kit.WriteError(w, e.Status, e.Detail)
}

// contactParam returns the {contact_id} path segment, percent-decoded when
// the router saw the raw (escaped) path.
func contactParam(r *http.Request) string {
	raw := chi.URLParam(r, "contact_id")
	if r.URL.RawPath == "" {
		return raw
	}
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
