package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	m := NewMemory()
	r := chi.NewRouter()
	r.Route("/ledger", m.Routes)

	w := serve(t, r, http.MethodGet, "/ledger/positions/pos", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(t, r, http.MethodPut, "/ledger/positions/pos", `{"authorized":{"owner":"alice"},"lamports":1000}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p Position
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, Authorized{Controller: "alice", Owner: "alice"}, p.Authorized)
	assert.Equal(t, StatusActive, p.Status)

	w = serve(t, r, http.MethodPut, "/ledger/positions/bad", `{"lamports":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, r, http.MethodPost, "/ledger/balances/alice", `{"amount":500}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint64(500), m.Balance("alice"))

	w = serve(t, r, http.MethodPost, "/ledger/balances/alice", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, r, http.MethodPost, "/ledger/epoch", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"epoch":1}`, w.Body.String())
}
