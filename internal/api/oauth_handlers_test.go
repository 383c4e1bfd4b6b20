package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autoremediate/autoremediate/internal/models"
)

func TestHandleOAuthBeginReturnsAuthorizeURL(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/oauth/github/begin", nil), "p1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp["authorize_url"], "https://provider.example/authorize?state=")
}

func TestHandleOAuthBeginRejectsUnknownProvider(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/oauth/bitbucket/begin", nil), "p1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOAuthBeginRejectsUnauthenticated(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/oauth/github/begin", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func beginState(t *testing.T, s *Server, principalID string) string {
	t.Helper()
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/oauth/github/begin", nil), principalID)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	parsed, err := url.Parse(resp["authorize_url"])
	require.NoError(t, err)
	return parsed.Query().Get("state")
}

func TestHandleOAuthCallbackCreatesConnection(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	state := beginState(t, s, "p1")

	q := url.Values{"state": {state}, "code": {"good-code"}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/oauth/github/callback?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var conn models.OAuthConnection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conn))
	require.Equal(t, "p1", conn.PrincipalID)
	require.Equal(t, models.ProviderGitHub, conn.Provider)
	require.Equal(t, "octo", conn.ExternalAccountLogin)
}

func TestHandleOAuthCallbackRejectsForgedState(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	q := url.Values{"state": {"not-a-real-token"}, "code": {"good-code"}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/oauth/github/callback?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleOAuthCallbackRejectsFailedExchange(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	state := beginState(t, s, "p1")

	q := url.Values{"state": {state}, "code": {"bad-code"}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/oauth/github/callback?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleOAuthDisconnectRejectsOtherPrincipal(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	state := beginState(t, s, "owner")
	q := url.Values{"state": {state}, "code": {"good-code"}}
	cbReq := httptest.NewRequest(http.MethodGet, "/api/v1/oauth/github/callback?"+q.Encode(), nil)
	cbRec := httptest.NewRecorder()
	s.ServeHTTP(cbRec, cbReq)
	require.Equal(t, http.StatusOK, cbRec.Code)

	var conn models.OAuthConnection
	require.NoError(t, json.Unmarshal(cbRec.Body.Bytes(), &conn))

	req := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/v1/oauth/connections/"+strconv.FormatInt(conn.ID, 10), nil), "intruder")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOAuthDisconnectAndListConnections(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	state := beginState(t, s, "p1")
	q := url.Values{"state": {state}, "code": {"good-code"}}
	cbReq := httptest.NewRequest(http.MethodGet, "/api/v1/oauth/github/callback?"+q.Encode(), nil)
	cbRec := httptest.NewRecorder()
	s.ServeHTTP(cbRec, cbReq)
	require.Equal(t, http.StatusOK, cbRec.Code)

	var conn models.OAuthConnection
	require.NoError(t, json.Unmarshal(cbRec.Body.Bytes(), &conn))

	listReq := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/oauth/connections", nil), "p1")
	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	var conns []models.OAuthConnection
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &conns))
	require.Len(t, conns, 1)

	delReq := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/v1/oauth/connections/"+strconv.FormatInt(conn.ID, 10), nil), "p1")
	delRec := httptest.NewRecorder()
	s.ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	listReq2 := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/oauth/connections", nil), "p1")
	listRec2 := httptest.NewRecorder()
	s.ServeHTTP(listRec2, listReq2)
	var conns2 []models.OAuthConnection
	require.NoError(t, json.Unmarshal(listRec2.Body.Bytes(), &conns2))
	require.Len(t, conns2, 0)
}
