package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes exposes the in-memory ledger for local development: seeding
// positions, funding accounts and advancing the epoch clock.
func (m *Memory) Routes(r chi.Router) {
	r.Get("/positions/{positionID}", m.handleGetPosition)
	r.Put("/positions/{positionID}", m.handlePutPosition)
	r.Get("/balances/{account}", m.handleGetBalance)
	r.Post("/balances/{account}", m.handleFund)
	r.Post("/epoch", m.handleAdvanceEpoch)
}

func (m *Memory) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := m.GetPosition(chi.URLParam(r, "positionID"))
	if errors.Is(err, ErrPositionNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (m *Memory) handlePutPosition(w http.ResponseWriter, r *http.Request) {
	var p Position
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if p.Authorized.Owner == "" {
		writeError(w, "authorized.owner is required", http.StatusBadRequest)
		return
	}
	if p.Authorized.Controller == "" {
		p.Authorized.Controller = p.Authorized.Owner
	}
	id := chi.URLParam(r, "positionID")
	m.AddPosition(id, p)
	stored, _ := m.GetPosition(id)
	writeJSON(w, http.StatusOK, stored)
}

type balanceResponse struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

func (m *Memory) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, balanceResponse{Account: account, Balance: m.Balance(account)})
}

func (m *Memory) handleFund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == 0 {
		writeError(w, "amount is required", http.StatusBadRequest)
		return
	}
	account := chi.URLParam(r, "account")
	m.Fund(account, req.Amount)
	writeJSON(w, http.StatusOK, balanceResponse{Account: account, Balance: m.Balance(account)})
}

func (m *Memory) handleAdvanceEpoch(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"epoch": m.AdvanceEpoch()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
