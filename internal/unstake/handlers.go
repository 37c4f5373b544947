package unstake

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/lifecycle"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/pool"
)

// displayPlaces is the precision of decimal renderings of ratios.
const displayPlaces = 9

// Handler exposes a Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP surface.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts every request/response endpoint on r. The WebSocket feed
// is mounted separately from WSHub.HandleWS.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/protocol-fee", h.GetProtocolFee)
	r.Post("/protocol-fee", h.InitProtocolFee)
	r.Put("/protocol-fee", h.SetProtocolFee)

	r.Get("/pools", h.ListPools)
	r.Post("/pools", h.CreatePool)
	r.Route("/pools/{poolID}", func(r chi.Router) {
		r.Get("/", h.GetPool)
		r.Put("/fee", h.SetFee)
		r.Put("/fee-authority", h.SetFeeAuthority)
		r.Get("/quote", h.Quote)
		r.Post("/unstake", h.Unstake)

		r.Post("/liquidity", h.AddLiquidity)
		r.Post("/liquidity/remove", h.RemoveLiquidity)
		r.Get("/providers", h.ListProviders)
		r.Get("/providers/{provider}", h.GetProvider)

		r.Get("/records", h.ListRecords)
		r.Get("/records/{positionID}", h.GetRecord)
		r.Post("/records/{positionID}/deactivate", h.Deactivate)
		r.Post("/records/{positionID}/reclaim", h.Reclaim)

		r.Get("/history", h.GetHistory)
	})
}

// --- Response views ---

// PoolView is a pool plus derived figures.
type PoolView struct {
	model.Pool
	OwnedLamports uint64          `json:"owned_lamports"`
	ShareValue    decimal.Decimal `json:"share_value"` // lamports per share
}

// QuoteView is a quote with its ratio also rendered as a decimal.
type QuoteView struct {
	pool.Quote
	FeeRatioDecimal decimal.Decimal `json:"fee_ratio_decimal"`
}

// RecordView is a position's lifecycle state and its record, if any.
type RecordView struct {
	PositionID string                    `json:"position_id"`
	State      lifecycle.State           `json:"state"`
	Record     *model.StakeAccountRecord `json:"record,omitempty"`
}

// ProviderView is one provider's balance and what it redeems for.
type ProviderView struct {
	model.ProviderPosition
	Value uint64 `json:"value"` // lamports at the current share value, rounded down
}

func poolView(p model.Pool) (PoolView, error) {
	sv, err := pool.ShareValue(p)
	if err != nil {
		return PoolView{}, err
	}
	return PoolView{Pool: p, OwnedLamports: p.OwnedLamports(), ShareValue: sv.Decimal(displayPlaces)}, nil
}

// --- Protocol fee ---

// GetProtocolFee handles GET /api/v1/protocol-fee
func (h *Handler) GetProtocolFee(w http.ResponseWriter, r *http.Request) {
	pf, err := h.svc.store.GetProtocolFee(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// InitProtocolFee handles POST /api/v1/protocol-fee
func (h *Handler) InitProtocolFee(w http.ResponseWriter, r *http.Request) {
	var req fee.ProtocolFee
	if !decode(w, r, &req) {
		return
	}
	pf, err := h.svc.InitProtocolFee(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pf)
}

// SetProtocolFeeRequest is the JSON body for PUT /protocol-fee.
type SetProtocolFeeRequest struct {
	Caller      string          `json:"caller"`
	ProtocolFee fee.ProtocolFee `json:"protocol_fee"`
}

// SetProtocolFee handles PUT /api/v1/protocol-fee
func (h *Handler) SetProtocolFee(w http.ResponseWriter, r *http.Request) {
	var req SetProtocolFeeRequest
	if !decode(w, r, &req) {
		return
	}
	pf, err := h.svc.SetProtocolFee(r.Context(), req.Caller, req.ProtocolFee)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// --- Pools ---

// ListPools handles GET /api/v1/pools
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.svc.store.ListPools(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]PoolView, 0, len(pools))
	for _, p := range pools {
		v, err := poolView(p)
		if err != nil {
			writeErr(w, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// CreatePool handles POST /api/v1/pools
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.CreatePool(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.store.GetPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	v, err := poolView(*p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// SetFeeRequest is the JSON body for PUT /pools/{poolID}/fee.
type SetFeeRequest struct {
	Caller string  `json:"caller"`
	Fee    fee.Fee `json:"fee"`
}

// SetFee handles PUT /api/v1/pools/{poolID}/fee
func (h *Handler) SetFee(w http.ResponseWriter, r *http.Request) {
	var req SetFeeRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.SetFee(r.Context(), chi.URLParam(r, "poolID"), req.Caller, req.Fee)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SetFeeAuthorityRequest is the JSON body for PUT /pools/{poolID}/fee-authority.
type SetFeeAuthorityRequest struct {
	Caller       string `json:"caller"`
	FeeAuthority string `json:"fee_authority"`
}

// SetFeeAuthority handles PUT /api/v1/pools/{poolID}/fee-authority
func (h *Handler) SetFeeAuthority(w http.ResponseWriter, r *http.Request) {
	var req SetFeeAuthorityRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.SetFeeAuthority(r.Context(), chi.URLParam(r, "poolID"), req.Caller, req.FeeAuthority)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Quote handles GET /api/v1/pools/{poolID}/quote?value=N or ?position=ID
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	poolID := chi.URLParam(r, "poolID")
	var (
		q   pool.Quote
		err error
	)
	if position := r.URL.Query().Get("position"); position != "" {
		q, err = h.svc.QuotePosition(r.Context(), poolID, position)
	} else {
		var value uint64
		value, err = strconv.ParseUint(r.URL.Query().Get("value"), 10, 64)
		if err != nil {
			writeError(w, "value or position query parameter is required", http.StatusBadRequest)
			return
		}
		q, err = h.svc.Quote(r.Context(), poolID, value)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteView{Quote: q, FeeRatioDecimal: q.FeeRatio.Decimal(displayPlaces)})
}

// Unstake handles POST /api/v1/pools/{poolID}/unstake
func (h *Handler) Unstake(w http.ResponseWriter, r *http.Request) {
	var req UnstakeRequest
	if !decode(w, r, &req) {
		return
	}
	req.PoolID = chi.URLParam(r, "poolID")
	res, err := h.svc.Unstake(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Liquidity ---

// AddLiquidity handles POST /api/v1/pools/{poolID}/liquidity
func (h *Handler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	req.PoolID = chi.URLParam(r, "poolID")
	res, err := h.svc.AddLiquidity(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveLiquidity handles POST /api/v1/pools/{poolID}/liquidity/remove
func (h *Handler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	req.PoolID = chi.URLParam(r, "poolID")
	res, err := h.svc.RemoveLiquidity(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListProviders handles GET /api/v1/pools/{poolID}/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.svc.store.ListProviders(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if providers == nil {
		providers = []model.ProviderPosition{}
	}
	writeJSON(w, http.StatusOK, providers)
}

// GetProvider handles GET /api/v1/pools/{poolID}/providers/{provider}
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID, provider := chi.URLParam(r, "poolID"), chi.URLParam(r, "provider")

	p, err := h.svc.store.GetPool(ctx, poolID)
	if err != nil {
		writeErr(w, err)
		return
	}
	shares, err := h.svc.store.GetProviderShares(ctx, poolID, provider)
	if err != nil {
		writeErr(w, err)
		return
	}
	sv, err := pool.ShareValue(*p)
	if err != nil {
		writeErr(w, err)
		return
	}
	value, err := sv.FloorMul(shares)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProviderView{
		ProviderPosition: model.ProviderPosition{PoolID: poolID, Provider: provider, Shares: shares},
		Value:            value,
	})
}

// --- Records ---

// ListRecords handles GET /api/v1/pools/{poolID}/records
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.store.ListStakeRecords(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if records == nil {
		records = []model.StakeAccountRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetRecord handles GET /api/v1/pools/{poolID}/records/{positionID}
// Returns the position's lifecycle state even when no record exists.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")
	state, record, err := h.svc.PositionState(r.Context(), chi.URLParam(r, "poolID"), positionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordView{PositionID: positionID, State: state, Record: record})
}

// CallerRequest is the JSON body of authority-gated record operations.
type CallerRequest struct {
	Caller string `json:"caller"`
}

// Deactivate handles POST /api/v1/pools/{poolID}/records/{positionID}/deactivate
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if !decode(w, r, &req) {
		return
	}
	poolID, positionID := chi.URLParam(r, "poolID"), chi.URLParam(r, "positionID")
	if err := h.svc.Deactivate(r.Context(), poolID, positionID, req.Caller); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deactivation_requested"})
}

// Reclaim handles POST /api/v1/pools/{poolID}/records/{positionID}/reclaim
func (h *Handler) Reclaim(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reclaim(r.Context(), chi.URLParam(r, "poolID"), chi.URLParam(r, "positionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHistory handles GET /api/v1/pools/{poolID}/history
// Returns the pool's immutable ledger entries in commit order.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.store.GetLedgerEntriesByPool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps an operation error to its status. Internal errors are not
// echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
