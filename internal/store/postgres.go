package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/rational"
)

// Schema creates the tables PostgresStore expects. Lamport amounts are
// NUMERIC(20,0) so the full uint64 range survives; ratios are stored as
// reduced "num/denom" text.
const Schema = `
CREATE TABLE IF NOT EXISTS pools (
	id              TEXT PRIMARY KEY,
	authority       TEXT NOT NULL,
	fee_authority   TEXT NOT NULL,
	reserve_account TEXT NOT NULL UNIQUE,
	fee             JSONB NOT NULL,
	reserves        NUMERIC(20,0) NOT NULL,
	incoming_stake  NUMERIC(20,0) NOT NULL,
	lp_supply       NUMERIC(20,0) NOT NULL,
	version         BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stake_account_records (
	pool_id              TEXT NOT NULL REFERENCES pools(id),
	position_id          TEXT NOT NULL,
	lamports_at_creation NUMERIC(20,0) NOT NULL,
	payer                TEXT NOT NULL,
	rent                 NUMERIC(20,0) NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pool_id, position_id)
);

CREATE TABLE IF NOT EXISTS provider_shares (
	pool_id  TEXT NOT NULL REFERENCES pools(id),
	provider TEXT NOT NULL,
	shares   NUMERIC(20,0) NOT NULL,
	PRIMARY KEY (pool_id, provider)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	pool_id        TEXT NOT NULL REFERENCES pools(id),
	kind           TEXT NOT NULL,
	account        TEXT NOT NULL,
	position_id    TEXT NOT NULL DEFAULT '',
	amount         NUMERIC(20,0) NOT NULL,
	fee            NUMERIC(20,0) NOT NULL,
	shares         NUMERIC(20,0) NOT NULL,
	reserves_after NUMERIC(20,0) NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS protocol_fee (
	id                 SMALLINT PRIMARY KEY CHECK (id = 1),
	fee_ratio          TEXT NOT NULL,
	referrer_fee_ratio TEXT NOT NULL,
	destination        TEXT NOT NULL,
	authority          TEXT NOT NULL
);
`

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All lamport values are stored as NUMERIC so no uint64 is truncated.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	feeJSON, err := p.Fee.Encode()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pools (id, authority, fee_authority, reserve_account, fee,
		                    reserves, incoming_stake, lp_supply, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		p.ID, p.Authority, p.FeeAuthority, p.ReserveAccount, feeJSON,
		u64(p.Reserves), u64(p.IncomingStake), u64(p.LPSupply), int64(p.Version), p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: pool %s", ErrAlreadyExists, p.ID)
	}
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	return getPool(ctx, s.pool, id, false)
}

const poolColumns = `id, authority, fee_authority, reserve_account, fee,
	reserves::TEXT, incoming_stake::TEXT, lp_supply::TEXT, version, created_at`

func getPool(ctx context.Context, q querier, id string, forUpdate bool) (*model.Pool, error) {
	sql := `SELECT ` + poolColumns + ` FROM pools WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	p, err := scanPool(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var feeJSON []byte
	var reserves, incoming, supply string
	var version int64
	if err := row.Scan(&p.ID, &p.Authority, &p.FeeAuthority, &p.ReserveAccount, &feeJSON,
		&reserves, &incoming, &supply, &version, &p.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Fee, err = fee.Decode(feeJSON); err != nil {
		return nil, err
	}
	if p.Reserves, err = parseU64(reserves); err != nil {
		return nil, err
	}
	if p.IncomingStake, err = parseU64(incoming); err != nil {
		return nil, err
	}
	if p.LPSupply, err = parseU64(supply); err != nil {
		return nil, err
	}
	p.Version = uint64(version)
	return &p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) GetStakeRecord(ctx context.Context, poolID, positionID string) (*model.StakeAccountRecord, error) {
	return getStakeRecord(ctx, s.pool, poolID, positionID)
}

func getStakeRecord(ctx context.Context, q querier, poolID, positionID string) (*model.StakeAccountRecord, error) {
	var r model.StakeAccountRecord
	var lamports, rent string
	err := q.QueryRow(ctx,
		`SELECT pool_id, position_id, lamports_at_creation::TEXT, payer, rent::TEXT, created_at
		 FROM stake_account_records WHERE pool_id = $1 AND position_id = $2`, poolID, positionID).
		Scan(&r.PoolID, &r.PositionID, &lamports, &r.Payer, &rent, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %s/%s", ErrNotFound, poolID, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", poolID, positionID, err)
	}
	if r.LamportsAtCreation, err = parseU64(lamports); err != nil {
		return nil, err
	}
	if r.Rent, err = parseU64(rent); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListStakeRecords(ctx context.Context, poolID string) ([]model.StakeAccountRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, position_id, lamports_at_creation::TEXT, payer, rent::TEXT, created_at
		 FROM stake_account_records WHERE pool_id = $1 ORDER BY created_at`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.StakeAccountRecord
	for rows.Next() {
		var r model.StakeAccountRecord
		var lamports, rent string
		if err := rows.Scan(&r.PoolID, &r.PositionID, &lamports, &r.Payer, &rent, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.LamportsAtCreation, err = parseU64(lamports); err != nil {
			return nil, err
		}
		if r.Rent, err = parseU64(rent); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) GetProviderShares(ctx context.Context, poolID, provider string) (uint64, error) {
	return getProviderShares(ctx, s.pool, poolID, provider)
}

func getProviderShares(ctx context.Context, q querier, poolID, provider string) (uint64, error) {
	var shares string
	err := q.QueryRow(ctx,
		`SELECT shares::TEXT FROM provider_shares WHERE pool_id = $1 AND provider = $2`,
		poolID, provider).Scan(&shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseU64(shares)
}

func (s *PostgresStore) ListProviders(ctx context.Context, poolID string) ([]model.ProviderPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pool_id, provider, shares::TEXT FROM provider_shares
		 WHERE pool_id = $1 AND shares > 0 ORDER BY provider`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProviderPosition
	for rows.Next() {
		var pp model.ProviderPosition
		var shares string
		if err := rows.Scan(&pp.PoolID, &pp.Provider, &shares); err != nil {
			return nil, err
		}
		if pp.Shares, err = parseU64(shares); err != nil {
			return nil, err
		}
		result = append(result, pp)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByPool(ctx context.Context, poolID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pool_id, kind, account, position_id,
		        amount::TEXT, fee::TEXT, shares::TEXT, reserves_after::TEXT, timestamp
		 FROM ledger_entries WHERE pool_id = $1 ORDER BY seq`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, feeAmt, shares, after string
		if err := rows.Scan(&e.ID, &e.PoolID, &e.Kind, &e.Account, &e.PositionID,
			&amount, &feeAmt, &shares, &after, &e.Timestamp); err != nil {
			return nil, err
		}
		var err error
		for _, f := range []struct {
			dst *uint64
			src string
		}{{&e.Amount, amount}, {&e.Fee, feeAmt}, {&e.Shares, shares}, {&e.ReservesAfter, after}} {
			if *f.dst, err = parseU64(f.src); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetProtocolFee(ctx context.Context) (*fee.ProtocolFee, error) {
	return getProtocolFee(ctx, s.pool)
}

func getProtocolFee(ctx context.Context, q querier) (*fee.ProtocolFee, error) {
	var pf fee.ProtocolFee
	var ratio, referrer string
	err := q.QueryRow(ctx,
		`SELECT fee_ratio, referrer_fee_ratio, destination, authority FROM protocol_fee WHERE id = 1`).
		Scan(&ratio, &referrer, &pf.Destination, &pf.Authority)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: protocol fee", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if pf.FeeRatio, err = rational.Parse(ratio); err != nil {
		return nil, err
	}
	if pf.ReferrerFeeRatio, err = rational.Parse(referrer); err != nil {
		return nil, err
	}
	return &pf, nil
}

func (s *PostgresStore) InitProtocolFee(ctx context.Context, pf *fee.ProtocolFee) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO protocol_fee (id, fee_ratio, referrer_fee_ratio, destination, authority)
		 VALUES (1, $1, $2, $3, $4)`,
		pf.FeeRatio.String(), pf.ReferrerFeeRatio.String(), pf.Destination, pf.Authority)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: protocol fee", ErrAlreadyExists)
	}
	return err
}

// WithTx runs fn inside a database transaction. Pools read through tx are
// locked FOR UPDATE until commit.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		return fn(&pgTx{q: dbtx})
	})
}

type pgTx struct {
	q querier
}

func (tx *pgTx) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	return getPool(ctx, tx.q, id, true)
}

func (tx *pgTx) GetStakeRecord(ctx context.Context, poolID, positionID string) (*model.StakeAccountRecord, error) {
	return getStakeRecord(ctx, tx.q, poolID, positionID)
}

func (tx *pgTx) GetProviderShares(ctx context.Context, poolID, provider string) (uint64, error) {
	return getProviderShares(ctx, tx.q, poolID, provider)
}

func (tx *pgTx) GetProtocolFee(ctx context.Context) (*fee.ProtocolFee, error) {
	return getProtocolFee(ctx, tx.q)
}

func (tx *pgTx) UpdatePool(ctx context.Context, p *model.Pool) error {
	feeJSON, err := p.Fee.Encode()
	if err != nil {
		return err
	}
	tag, err := tx.q.Exec(ctx,
		`UPDATE pools
		 SET authority = $3, fee_authority = $4, fee = $5,
		     reserves = $6::NUMERIC, incoming_stake = $7::NUMERIC, lp_supply = $8::NUMERIC,
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		p.ID, int64(p.Version), p.Authority, p.FeeAuthority, feeJSON,
		u64(p.Reserves), u64(p.IncomingStake), u64(p.LPSupply),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pool %s version %d", ErrConflict, p.ID, p.Version)
	}
	p.Version++
	return nil
}

func (tx *pgTx) CreateStakeRecord(ctx context.Context, r *model.StakeAccountRecord) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO stake_account_records (pool_id, position_id, lamports_at_creation, payer, rent, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6)`,
		r.PoolID, r.PositionID, u64(r.LamportsAtCreation), r.Payer, u64(r.Rent), r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrRecordExists, r.PoolID, r.PositionID)
	}
	return err
}

func (tx *pgTx) DeleteStakeRecord(ctx context.Context, poolID, positionID string) error {
	tag, err := tx.q.Exec(ctx,
		`DELETE FROM stake_account_records WHERE pool_id = $1 AND position_id = $2`, poolID, positionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: record %s/%s", ErrNotFound, poolID, positionID)
	}
	return nil
}

func (tx *pgTx) SetProviderShares(ctx context.Context, poolID, provider string, shares uint64) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO provider_shares (pool_id, provider, shares) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (pool_id, provider) DO UPDATE SET shares = EXCLUDED.shares`,
		poolID, provider, u64(shares))
	return err
}

func (tx *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, pool_id, kind, account, position_id,
		                             amount, fee, shares, reserves_after, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		e.ID, e.PoolID, e.Kind, e.Account, e.PositionID,
		u64(e.Amount), u64(e.Fee), u64(e.Shares), u64(e.ReservesAfter), e.Timestamp,
	)
	return err
}

func (tx *pgTx) SetProtocolFee(ctx context.Context, pf *fee.ProtocolFee) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE protocol_fee SET fee_ratio = $1, referrer_fee_ratio = $2, destination = $3, authority = $4
		 WHERE id = 1`,
		pf.FeeRatio.String(), pf.ReferrerFeeRatio.String(), pf.Destination, pf.Authority)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: protocol fee", ErrNotFound)
	}
	return nil
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: bad lamport value %q: %w", s, err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
