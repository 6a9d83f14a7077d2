package httpadapter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/geo"
)

const maxBodyBytes = 1 << 20

// API translates HTTP requests into engine calls.
type API struct {
	engine    *engine.Engine
	jwtSecret string
	logger    *slog.Logger
}

// NewAPI creates the /v1 handler set. An empty jwtSecret trusts gateway headers.
func NewAPI(e *engine.Engine, jwtSecret string, logger *slog.Logger) *API {
	return &API{engine: e, jwtSecret: jwtSecret, logger: logger}
}

// Routes returns the /v1 router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(authenticate(a.jwtSecret))

	r.Post("/reports", a.submitReport)
	r.Route("/outages", func(r chi.Router) {
		r.Get("/nearby", a.nearby)
		r.Get("/bounds", a.bounds)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getOutage)
			r.Post("/confirmations", a.confirm)
			r.Delete("/confirmations", a.retract)
			r.Post("/disputes", a.dispute)
			r.Post("/comments", a.addComment)
			r.Get("/comments", a.listComments)
		})
	})
	r.Get("/providers", a.listProviders)
	r.Get("/providers/{id}", a.getProvider)
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAdmin)
		r.Put("/providers/{id}", a.upsertProvider)
		r.Post("/outages/{id}/resolve", a.resolveDisputed)
		r.Get("/outages/{id}/recipients", a.recipients)
	})
	return r
}

func userID(r *http.Request) string {
	p, _ := principalFromContext(r.Context())
	return p.UserID
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type reportRequest struct {
	ServiceType          domain.ServiceType `json:"service_type"`
	Severity             domain.Severity    `json:"severity"`
	Lat                  float64            `json:"lat"`
	Lng                  float64            `json:"lng"`
	Description          string             `json:"description,omitempty"`
	ProviderID           string             `json:"provider_id,omitempty"`
	Address              string             `json:"address,omitempty"`
	ZipCode              string             `json:"zip_code,omitempty"`
	City                 string             `json:"city,omitempty"`
	State                string             `json:"state,omitempty"`
	EstimatedRestoration *time.Time         `json:"estimated_restoration,omitempty"`
	Metadata             map[string]any     `json:"metadata,omitempty"`
}

func (a *API) submitReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	out, err := a.engine.Aggregator.SubmitReport(r.Context(), domain.Report{
		ServiceType:          req.ServiceType,
		Severity:             req.Severity,
		Location:             domain.Point{Lat: req.Lat, Lng: req.Lng},
		ReporterID:           userID(r),
		Description:          req.Description,
		ProviderID:           req.ProviderID,
		Address:              req.Address,
		ZipCode:              req.ZipCode,
		City:                 req.City,
		State:                req.State,
		EstimatedRestoration: req.EstimatedRestoration,
		Metadata:             req.Metadata,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	sharedobs.WriteJSON(w, status, out)
}

func (a *API) getOutage(w http.ResponseWriter, r *http.Request) {
	o, err := a.engine.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, o)
}

func (a *API) confirm(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.Verifier.Confirm(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, res)
}

func (a *API) retract(w http.ResponseWriter, r *http.Request) {
	res, err := a.engine.Verifier.Retract(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, res)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (a *API) dispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	res, err := a.engine.Verifier.Dispute(r.Context(), chi.URLParam(r, "id"), userID(r), req.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, res)
}

type commentRequest struct {
	Type domain.CommentType `json:"comment_type"`
	Text string             `json:"comment"`
}

func (a *API) addComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	c, err := a.engine.Lifecycle.RecordComment(r.Context(), chi.URLParam(r, "id"), userID(r), req.Type, req.Text)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusCreated, c)
}

func (a *API) listComments(w http.ResponseWriter, r *http.Request) {
	comments, err := a.engine.Lifecycle.ListComments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if comments == nil {
		comments = []domain.Comment{}
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (a *API) nearby(w http.ResponseWriter, r *http.Request) {
	q := queryParams{values: r.URL.Query()}
	center := domain.Point{Lat: q.float("lat"), Lng: q.float("lng")}
	radius := q.float("radius")
	filter := q.filter()
	if q.err != nil {
		a.fail(w, r, q.err)
		return
	}
	res, err := a.engine.Query.Nearby(r.Context(), center, radius, filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, res)
}

func (a *API) bounds(w http.ResponseWriter, r *http.Request) {
	q := queryParams{values: r.URL.Query()}
	box := geo.Box{
		MinLat: q.float("min_lat"),
		MinLng: q.float("min_lng"),
		MaxLat: q.float("max_lat"),
		MaxLng: q.float("max_lng"),
	}
	filter := q.filter()
	if q.err != nil {
		a.fail(w, r, q.err)
		return
	}
	res, err := a.engine.Query.InBounds(r.Context(), box, filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, res)
}

func (a *API) listProviders(w http.ResponseWriter, r *http.Request) {
	list, err := a.engine.Providers.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Provider{}
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"providers": list})
}

func (a *API) getProvider(w http.ResponseWriter, r *http.Request) {
	p, err := a.engine.Providers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, p)
}

func (a *API) upsertProvider(w http.ResponseWriter, r *http.Request) {
	var p domain.Provider
	if err := decodeBody(w, r, &p); err != nil {
		a.fail(w, r, err)
		return
	}
	p.ID = chi.URLParam(r, "id")
	saved, err := a.engine.Providers.Upsert(r.Context(), p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, saved)
}

func (a *API) resolveDisputed(w http.ResponseWriter, r *http.Request) {
	o, err := a.engine.Lifecycle.ResolveDisputed(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, o)
}

func (a *API) recipients(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	users, err := a.engine.Recipients.ForOutage(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"outage_id": id, "recipients": users})
}

// queryParams parses query values, keeping the first error.
type queryParams struct {
	values map[string][]string
	err    error
}

func (q *queryParams) get(key string) string {
	if v := q.values[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func (q *queryParams) float(key string) float64 {
	raw := q.get(key)
	if q.err != nil {
		return 0
	}
	if raw == "" {
		q.err = fmt.Errorf("%w: %s is required", domain.ErrInvalidArgument, key)
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		q.err = fmt.Errorf("%w: %s must be a number", domain.ErrInvalidArgument, key)
		return 0
	}
	return v
}

// filter reads service_type (repeated or comma separated), min_severity,
// verified_only, and provider_id.
func (q *queryParams) filter() engine.Filter {
	var f engine.Filter
	for _, v := range q.values["service_type"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.ServiceTypes = append(f.ServiceTypes, domain.ServiceType(st))
			}
		}
	}
	f.MinSeverity = domain.Severity(q.get("min_severity"))
	f.ProviderID = q.get("provider_id")
	if raw := q.get("verified_only"); raw != "" && q.err == nil {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			q.err = fmt.Errorf("%w: verified_only must be a boolean", domain.ErrInvalidArgument)
		}
		f.VerifiedOnly = v
	}
	return f
}
