package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autoremediate/autoremediate/internal/models"
	"github.com/autoremediate/autoremediate/internal/principal"
)

func withPrincipal(req *http.Request, id string) *http.Request {
	req.Header.Set(principal.HeaderName, id)
	return req
}

func TestHandleConnectRepoAndListConnections(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)
	ctx := context.Background()

	oc := &models.OAuthConnection{PrincipalID: "p1", Provider: models.ProviderGitHub, ExternalAccountID: "1", ExternalAccountLogin: "octo"}
	require.NoError(t, db.CreateOAuthConnection(ctx, oc))

	body, _ := json.Marshal(connectRepoRequest{
		OAuthConnectionID: oc.ID,
		Provider:          "github",
		ExternalRepoID:    "1",
		FullName:          "octo/repo",
		DefaultBranch:     "main",
		AutoRemediate:     true,
	})
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/v1/repos/connections", bytes.NewReader(body)), "p1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/repos/connections", nil), "p1")
	listRec := httptest.NewRecorder()
	s.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var conns []models.RepositoryConnection
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &conns))
	require.Len(t, conns, 1)
	require.Equal(t, "octo/repo", conns[0].FullName)
}

func TestHandleConnectRepoRejectsUnauthenticated(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/repos/connections", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleDisconnectRepoRejectsOtherPrincipal(t *testing.T) {
	db := testDB(t)
	v := testVault(t)
	s := testServer(t, db, v)
	ctx := context.Background()

	oc := &models.OAuthConnection{PrincipalID: "owner", Provider: models.ProviderGitHub, ExternalAccountID: "1", ExternalAccountLogin: "octo"}
	require.NoError(t, db.CreateOAuthConnection(ctx, oc))
	rc := &models.RepositoryConnection{PrincipalID: "owner", OAuthConnectionID: oc.ID, Provider: models.ProviderGitHub, ExternalRepoID: "1", FullName: "octo/repo"}
	require.NoError(t, db.CreateRepositoryConnection(ctx, rc))

	req := withPrincipal(httptest.NewRequest(http.MethodDelete, "/api/v1/repos/connections/"+strconv.FormatInt(rc.ID, 10), nil), "intruder")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
