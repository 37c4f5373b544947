package unstake

import (
	"errors"
	"net/http"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/ledger"
	"github.com/atmx/unstake-engine/internal/lifecycle"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/pool"
	"github.com/atmx/unstake-engine/internal/rational"
	"github.com/atmx/unstake-engine/internal/store"
)

// errorClass ties a sentinel to its HTTP status and metric label.
type errorClass struct {
	err    error
	status int
	reason string
}

var errorClasses = []errorClass{
	{ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{model.ErrInvalidAddress, http.StatusBadRequest, "invalid_address"},
	{fee.ErrInvalidFeeConfiguration, http.StatusBadRequest, "invalid_fee_configuration"},
	{pool.ErrZeroAmount, http.StatusBadRequest, "zero_amount"},
	{rational.ErrSyntax, http.StatusBadRequest, "invalid_ratio"},

	{ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{lifecycle.ErrNotOwned, http.StatusForbidden, "not_owned"},
	{ledger.ErrUnauthorized, http.StatusForbidden, "ledger_unauthorized"},

	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrPositionNotFound, http.StatusNotFound, "position_not_found"},

	{store.ErrRecordExists, http.StatusConflict, "record_exists"},
	{store.ErrConflict, http.StatusConflict, "conflict"},
	{store.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{lifecycle.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},

	{fee.ErrInsufficientLiquidity, http.StatusUnprocessableEntity, "insufficient_liquidity"},
	{pool.ErrInsufficientShares, http.StatusUnprocessableEntity, "insufficient_shares"},
	{lifecycle.ErrLockupInForce, http.StatusUnprocessableEntity, "lockup_in_force"},
	{lifecycle.ErrNotYetMature, http.StatusUnprocessableEntity, "not_yet_mature"},
	{rational.ErrOverflow, http.StatusUnprocessableEntity, "overflow"},
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{ledger.ErrNotWithdrawable, http.StatusUnprocessableEntity, "not_withdrawable"},
}

func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.status, c.reason
		}
	}
	return http.StatusInternalServerError, "internal"
}

// StatusCode maps an operation error to its HTTP status.
func StatusCode(err error) int {
	status, _ := classify(err)
	return status
}

func reason(err error) string {
	_, r := classify(err)
	return r
}
