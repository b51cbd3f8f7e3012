package storesrv

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nuha.dev/presence/internal/presence"
	"nuha.dev/presence/internal/store"
	"nuha.dev/presence/internal/store/impl/memstore"
)

func newTestApi(t *testing.T) (*Api, *memstore.Store, *TokenAuth) {
	t.Helper()
	st := memstore.NewStore()
	auth := NewTokenAuth("test-secret")
	api := NewApi(st, auth, nil, NewStat(), &ApiConfig{ListenAddr: ":0"})
	return api, st, auth
}

func mint(t *testing.T, auth *TokenAuth, uid, role string) string {
	t.Helper()
	tok, err := auth.Mint(uid, role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestUpdateRoundTrip(t *testing.T) {
	api, st, auth := newTestApi(t)
	tok := mint(t, auth, "u1", RoleAgent)

	w := doJSON(t, api.Handler(), "POST", "/v1/presence", tok, UpdateRequest{
		UserID: "u1", Latitude: 1.3, Longitude: 103.8, Accuracy: 15, Active: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec presence.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.UserID != "u1" || !rec.Active || rec.Latitude != 1.3 {
		t.Fatalf("unexpected record %+v", rec)
	}

	stored, err := st.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Longitude != 103.8 {
		t.Fatalf("record not persisted: %+v", stored)
	}
}

func TestUpdateOwnerOnly(t *testing.T) {
	api, _, auth := newTestApi(t)
	tok := mint(t, auth, "u1", RoleAgent)

	w := doJSON(t, api.Handler(), "POST", "/v1/presence", tok, UpdateRequest{
		UserID: "someone-else", Latitude: 0, Longitude: 0, Active: true,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	// admin may write any record
	admin := mint(t, auth, "ops", RoleAdmin)
	w = doJSON(t, api.Handler(), "POST", "/v1/presence", admin, UpdateRequest{
		UserID: "someone-else", Latitude: 0, Longitude: 0, Active: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", w.Code)
	}
}

func TestUpdateValidation(t *testing.T) {
	api, _, auth := newTestApi(t)
	tok := mint(t, auth, "u1", RoleAgent)

	cases := []UpdateRequest{
		{UserID: "u1", Latitude: 91, Longitude: 0},
		{UserID: "u1", Latitude: 0, Longitude: -181},
		{UserID: "u1", Latitude: 0, Longitude: 0, Accuracy: -1},
		{UserID: "", Latitude: 0, Longitude: 0},
	}
	for i, req := range cases {
		w := doJSON(t, api.Handler(), "POST", "/v1/presence", tok, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, w.Code)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	api, _, auth := newTestApi(t)

	w := doJSON(t, api.Handler(), "POST", "/v1/presence", "", UpdateRequest{UserID: "u1"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	obs := mint(t, auth, "watch", RoleObserver)
	w = doJSON(t, api.Handler(), "POST", "/v1/presence", obs, UpdateRequest{UserID: "watch"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for observer on write, got %d", w.Code)
	}

	agent := mint(t, auth, "u1", RoleAgent)
	w = doJSON(t, api.Handler(), "GET", "/v1/presence", agent, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for agent on list, got %d", w.Code)
	}
}

func TestSetActiveNotFound(t *testing.T) {
	api, _, auth := newTestApi(t)
	tok := mint(t, auth, "ghost", RoleAgent)

	w := doJSON(t, api.Handler(), "POST", "/v1/presence/active", tok, SetActiveRequest{UserID: "ghost", Active: false})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStopKeepsRecord(t *testing.T) {
	api, st, auth := newTestApi(t)
	tok := mint(t, auth, "u1", RoleAgent)

	doJSON(t, api.Handler(), "POST", "/v1/presence", tok, UpdateRequest{
		UserID: "u1", Latitude: 1.3, Longitude: 103.8, Active: true,
	})
	w := doJSON(t, api.Handler(), "POST", "/v1/presence/active", tok, SetActiveRequest{UserID: "u1", Active: false})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	rec, err := st.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Active {
		t.Fatal("record still active after stop")
	}
	if rec.Latitude != 1.3 {
		t.Fatal("stop erased last known position")
	}
}

func TestListActiveOnly(t *testing.T) {
	api, st, auth := newTestApi(t)
	ctx := context.Background()
	if _, err := st.Upsert(ctx, store.Write{UserID: "on", Active: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Upsert(ctx, store.Write{UserID: "off", Active: false}); err != nil {
		t.Fatal(err)
	}

	obs := mint(t, auth, "watch", RoleObserver)
	w := doJSON(t, api.Handler(), "GET", "/v1/presence?active_only=1", obs, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res ListResponse
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 || res.Records[0].UserID != "on" {
		t.Fatalf("unexpected records %+v", res.Records)
	}
	if res.Now.IsZero() {
		t.Fatal("list response missing server time")
	}
}

func TestUnregister(t *testing.T) {
	api, st, auth := newTestApi(t)
	ctx := context.Background()
	if _, err := st.Upsert(ctx, store.Write{UserID: "u1", Active: true}); err != nil {
		t.Fatal(err)
	}

	tok := mint(t, auth, "u1", RoleAgent)
	w := doJSON(t, api.Handler(), "DELETE", "/v1/presence/u1", tok, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if _, err := st.Get(ctx, "u1"); err != store.ErrNotFound {
		t.Fatalf("expected record gone, got %v", err)
	}

	w = doJSON(t, api.Handler(), "DELETE", "/v1/presence/u1", tok, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on repeat, got %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	api, _, _ := newTestApi(t)
	w := doJSON(t, api.Handler(), "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
