package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/unstake-engine/internal/ledger"
	"github.com/atmx/unstake-engine/internal/model"
)

const reserve = "reserve"

func setup(t *testing.T, p ledger.Position) (*Machine, *ledger.Memory) {
	t.Helper()
	l := ledger.NewMemory()
	l.AddPosition("pos", p)
	return NewMachine(l), l
}

func owned(by string) ledger.Position {
	return ledger.Position{Authorized: ledger.Authorized{Controller: by, Owner: by}, Lamports: 1_000}
}

func TestPrepareAccept(t *testing.T) {
	m, _ := setup(t, owned("alice"))

	acc, err := m.PrepareAccept(context.Background(), "pos", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), acc.Value)
	assert.Equal(t, "alice", acc.Previous.Controller)
}

func TestPrepareAccept_NotOwned(t *testing.T) {
	p := owned("alice")
	p.Authorized.Controller = "bob" // controller alone is not enough
	m, _ := setup(t, p)

	_, err := m.PrepareAccept(context.Background(), "pos", "bob")
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestPrepareAccept_LockupInForce(t *testing.T) {
	p := owned("alice")
	p.LockupEpoch = 10
	m, _ := setup(t, p)

	_, err := m.PrepareAccept(context.Background(), "pos", "alice")
	assert.ErrorIs(t, err, ErrLockupInForce)
}

func TestFullLifecycle(t *testing.T) {
	ctx := context.Background()
	m, l := setup(t, owned("alice"))

	state, err := m.State(ctx, "pos", reserve, nil)
	require.NoError(t, err)
	assert.Equal(t, HeldByUser, state)

	acc, err := m.PrepareAccept(ctx, "pos", "alice")
	require.NoError(t, err)
	var b ledger.Batch
	AcceptInstructions(&b, acc, reserve)
	require.NoError(t, l.Execute(ctx, b))

	auth, err := l.Authorized(ctx, "pos")
	require.NoError(t, err)
	assert.Equal(t, ledger.Authorized{Controller: reserve, Owner: reserve}, auth, "both roles move together")

	record := &model.StakeAccountRecord{PositionID: "pos", LamportsAtCreation: acc.Value}
	state, err = m.State(ctx, "pos", reserve, record)
	require.NoError(t, err)
	assert.Equal(t, AcceptedByPool, state)

	_, err = m.PrepareReclaim(ctx, record)
	assert.ErrorIs(t, err, ErrNotYetMature)

	require.NoError(t, m.Deactivate(ctx, record, reserve))
	state, err = m.State(ctx, "pos", reserve, record)
	require.NoError(t, err)
	assert.Equal(t, Deactivating, state)

	_, err = m.PrepareReclaim(ctx, record)
	assert.ErrorIs(t, err, ErrNotYetMature)

	l.AdvanceEpoch()
	state, err = m.State(ctx, "pos", reserve, record)
	require.NoError(t, err)
	assert.Equal(t, Matured, state)

	value, err := m.PrepareReclaim(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), value)

	var w ledger.Batch
	ReclaimInstructions(&w, record, reserve, value)
	require.NoError(t, l.Execute(ctx, w))
	assert.Equal(t, uint64(1_000), l.Balance(reserve))

	state, err = m.State(ctx, "pos", reserve, nil)
	require.NoError(t, err)
	assert.Equal(t, Reclaimed, state)
}

func TestDeactivate_WithoutRecord(t *testing.T) {
	m, _ := setup(t, owned("alice"))
	assert.ErrorIs(t, m.Deactivate(context.Background(), nil, reserve), ErrInvalidTransition)
}
