package httpadapter_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/outage-engine/internal/adapter/httpadapter"
	"github.com/couchcryptid/outage-engine/internal/adapter/memory"
	"github.com/couchcryptid/outage-engine/internal/adapter/publisher"
	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/geo"
	"github.com/couchcryptid/outage-engine/internal/observability"
)

const testSecret = "test-secret"

type apiFixture struct {
	srv   *httpadapter.Server
	store *memory.Store
}

func newAPI(t *testing.T, secret string) *apiFixture {
	t.Helper()
	logger := discardLogger()
	store := memory.New()
	index := geo.NewCachedIndex(store, logger)
	require.NoError(t, index.Rebuild(context.Background()))

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	e, err := engine.New(engine.Deps{
		Store:     store,
		Index:     index,
		Publisher: publisher.NewLog(logger),
		Clock:     clock,
		Logger:    logger,
		Metrics:   observability.NewMetricsForTesting(),
		Policy:    engine.DefaultPolicy(),
	}, 64, time.Minute)
	require.NoError(t, err)

	api := httpadapter.NewAPI(e, secret, logger)
	return &apiFixture{srv: httpadapter.NewServer(":0", e, api, logger), store: store}
}

type call struct {
	method string
	path   string
	body   any
	user   string
	roles  string
	token  string
}

func (f *apiFixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	if c.body == nil {
		req = httptest.NewRequest(c.method, c.path, nil)
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	if c.roles != "" {
		req.Header.Set("X-User-Roles", c.roles)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func powerReport(lat, lng float64) map[string]any {
	return map[string]any{"service_type": "power", "severity": "complete", "lat": lat, "lng": lng}
}

func TestAPI_ReportConfirmAndQuery(t *testing.T) {
	f := newAPI(t, "")

	rec := f.do(t, call{method: http.MethodPost, path: "/v1/reports", body: powerReport(47.6, -122.3), user: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[engine.ReportOutcome](t, rec)
	assert.True(t, created.Created)

	rec = f.do(t, call{method: http.MethodPost, path: "/v1/reports", body: powerReport(47.6001, -122.3), user: "bob"})
	require.Equal(t, http.StatusOK, rec.Code, "a nearby report merges")
	merged := decode[engine.ReportOutcome](t, rec)
	assert.Equal(t, created.OutageID, merged.OutageID)

	rec = f.do(t, call{method: http.MethodPost, path: "/v1/outages/" + created.OutageID + "/confirmations", user: "carol"})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[engine.VerificationResult](t, rec)
	assert.Equal(t, 3, res.VerificationCount)
	assert.True(t, res.IsVerified)

	rec = f.do(t, call{method: http.MethodDelete, path: "/v1/outages/" + created.OutageID + "/confirmations", user: "carol"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[engine.VerificationResult](t, rec).VerificationCount)

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/outages/nearby?lat=47.6&lng=-122.3&radius=1000&service_type=power,internet&min_severity=degraded", user: "dave"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	nearby := decode[engine.Result](t, rec)
	require.Len(t, nearby.Outages, 1)
	assert.Equal(t, created.OutageID, nearby.Outages[0].ID)
	assert.Equal(t, engine.SourceIndex, nearby.Source)

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/outages/bounds?min_lat=47&min_lng=-123&max_lat=48&max_lng=-122", user: "dave"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[engine.Result](t, rec).Outages, 1)

	// The retraction dropped the outage below the verification threshold.
	rec = f.do(t, call{method: http.MethodGet, path: "/v1/outages/bounds?min_lat=47&min_lng=-123&max_lat=48&max_lng=-122&verified_only=true", user: "dave"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[engine.Result](t, rec).Outages)

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/outages/" + created.OutageID, user: "dave"})
	require.Equal(t, http.StatusOK, rec.Code)
	o := decode[domain.Outage](t, rec)
	assert.Equal(t, domain.StatusActive, o.Status)
	assert.Equal(t, "alice", o.ReportedBy)
}

func TestAPI_ErrorMapping(t *testing.T) {
	f := newAPI(t, "")

	tests := []struct {
		name   string
		call   call
		status int
		code   string
	}{
		{"missing identity", call{method: http.MethodGet, path: "/v1/providers"}, http.StatusUnauthorized, "unauthorized"},
		{"bad enum", call{method: http.MethodPost, path: "/v1/reports", body: map[string]any{"service_type": "water", "severity": "complete", "lat": 1, "lng": 1}, user: "u"}, http.StatusBadRequest, "invalid_argument"},
		{"bad coordinates", call{method: http.MethodPost, path: "/v1/reports", body: powerReport(91, 0), user: "u"}, http.StatusBadRequest, "invalid_argument"},
		{"unknown outage", call{method: http.MethodGet, path: "/v1/outages/nope", user: "u"}, http.StatusNotFound, "not_found"},
		{"confirm unknown outage", call{method: http.MethodPost, path: "/v1/outages/nope/confirmations", user: "u"}, http.StatusNotFound, "not_found"},
		{"missing radius", call{method: http.MethodGet, path: "/v1/outages/nearby?lat=1&lng=1", user: "u"}, http.StatusBadRequest, "invalid_argument"},
		{"negative radius", call{method: http.MethodGet, path: "/v1/outages/nearby?lat=1&lng=1&radius=-1", user: "u"}, http.StatusBadRequest, "invalid_argument"},
		{"bad verified flag", call{method: http.MethodGet, path: "/v1/outages/nearby?lat=1&lng=1&radius=5&verified_only=maybe", user: "u"}, http.StatusBadRequest, "invalid_argument"},
		{"inverted box", call{method: http.MethodGet, path: "/v1/outages/bounds?min_lat=5&min_lng=0&max_lat=1&max_lng=1", user: "u"}, http.StatusBadRequest, "invalid_argument"},
		{"admin only", call{method: http.MethodPut, path: "/v1/admin/providers/p1", body: map[string]any{"name": "Acme"}, user: "u"}, http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.call)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[errorResponse](t, rec).Error.Code)
		})
	}
}

func TestAPI_CommentsAndModeration(t *testing.T) {
	f := newAPI(t, "")
	rec := f.do(t, call{method: http.MethodPost, path: "/v1/reports", body: powerReport(10, 10), user: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[engine.ReportOutcome](t, rec).OutageID

	rec = f.do(t, call{method: http.MethodPost, path: "/v1/outages/" + id + "/comments", body: map[string]any{"comment_type": "update", "comment": "crews on site"}, user: "bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/outages/" + id + "/comments", user: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	comments := decode[struct {
		Comments []domain.Comment `json:"comments"`
	}](t, rec).Comments
	require.Len(t, comments, 1)
	assert.Equal(t, "bob", comments[0].UserID)

	rec = f.do(t, call{method: http.MethodPost, path: "/v1/admin/outages/" + id + "/resolve", user: "mod", roles: "admin"})
	assert.Equal(t, http.StatusConflict, rec.Code, "active outages are not moderated")
	assert.Equal(t, "invalid_state", decode[errorResponse](t, rec).Error.Code)

	for _, u := range []string{"d1", "d2"} {
		rec = f.do(t, call{method: http.MethodPost, path: "/v1/outages/" + id + "/disputes", body: map[string]any{"reason": "power is on"}, user: u})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, domain.StatusDisputed, decode[engine.VerificationResult](t, rec).Status)

	rec = f.do(t, call{method: http.MethodPost, path: "/v1/outages/" + id + "/confirmations", user: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, call{method: http.MethodPost, path: "/v1/admin/outages/" + id + "/resolve", user: "mod", roles: "viewer, admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusResolved, decode[domain.Outage](t, rec).Status)
}

func TestAPI_Providers(t *testing.T) {
	f := newAPI(t, "")

	rec := f.do(t, call{method: http.MethodPut, path: "/v1/admin/providers/acme", user: "root", roles: "admin",
		body: map[string]any{"name": "Acme Power", "service_type": "power", "official_status_url": "https://status.acme.example"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "acme", decode[domain.Provider](t, rec).ID)

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/providers", user: "u"})
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Providers []domain.Provider `json:"providers"`
	}](t, rec).Providers
	require.Len(t, list, 1)
	assert.Equal(t, "Acme Power", list[0].Name)

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/providers/acme", user: "u"})
	assert.Equal(t, http.StatusOK, rec.Code)

	body := powerReport(1, 1)
	body["service_type"] = "internet"
	body["provider_id"] = "acme"
	rec = f.do(t, call{method: http.MethodPost, path: "/v1/reports", body: body, user: "u"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "provider service type must match")
}

func sign(t *testing.T, secret string, c jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAPI_JWTAuthentication(t *testing.T) {
	f := newAPI(t, testSecret)
	exp := time.Now().Add(time.Hour).Unix()

	rec := f.do(t, call{method: http.MethodGet, path: "/v1/providers", user: "spoofed"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "gateway headers are ignored once a secret is set")

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/providers", token: sign(t, "wrong", jwt.MapClaims{"sub": "u", "exp": exp})})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/providers", token: sign(t, testSecret, jwt.MapClaims{"exp": exp})})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "subject is required")

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/providers", token: sign(t, testSecret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "expired")

	token := sign(t, testSecret, jwt.MapClaims{"sub": "alice", "exp": exp})
	rec = f.do(t, call{method: http.MethodPost, path: "/v1/reports", body: powerReport(5, 5), token: token})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[engine.ReportOutcome](t, rec).OutageID

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/outages/" + id, token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[domain.Outage](t, rec).ReportedBy)

	rec = f.do(t, call{method: http.MethodPut, path: "/v1/admin/providers/p1", token: token, body: map[string]any{"name": "P", "service_type": "power"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := sign(t, testSecret, jwt.MapClaims{"sub": "root", "roles": []string{"admin"}, "exp": exp})
	rec = f.do(t, call{method: http.MethodPut, path: "/v1/admin/providers/p1", token: admin, body: map[string]any{"name": "P", "service_type": "power"}})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAPI_HealthOutsideAuth(t *testing.T) {
	f := newAPI(t, testSecret)
	rec := f.do(t, call{method: http.MethodGet, path: "/readyz"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_OutageRecipients(t *testing.T) {
	f := newAPI(t, "")
	f.store.SetPreferences(domain.UserPreferences{
		UserID:         "neighbor",
		SavedLocations: []domain.SavedLocation{{Name: "home", Point: domain.Point{Lat: 1.01, Lng: 1}}},
	})
	f.store.AddPushSubscription(domain.PushSubscription{ID: "s1", UserID: "neighbor", Endpoint: "https://push.example.com/n"})

	rec := f.do(t, call{method: http.MethodPost, path: "/v1/reports", body: powerReport(1, 1), user: "u"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[engine.ReportOutcome](t, rec).OutageID

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/admin/outages/" + id + "/recipients", user: "u"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/admin/outages/" + id + "/recipients", user: "root", roles: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[struct {
		OutageID   string   `json:"outage_id"`
		Recipients []string `json:"recipients"`
	}](t, rec)
	assert.Equal(t, id, got.OutageID)
	assert.Equal(t, []string{"neighbor"}, got.Recipients)

	rec = f.do(t, call{method: http.MethodGet, path: "/v1/admin/outages/missing/recipients", user: "root", roles: "admin"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
