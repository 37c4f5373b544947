package pool

import (
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/rational"
)

// AddLiquidity deposits amount lamports and mints shares proportional to
// the pool's owned value, rounding down. The first deposit (or any deposit
// into a pool with nothing backing it) mints 1:1.
func AddLiquidity(p model.Pool, amount uint64) (model.Pool, uint64, error) {
	if amount == 0 {
		return p, 0, ErrZeroAmount
	}
	owned := p.OwnedLamports()

	var shares uint64
	if p.LPSupply == 0 || owned == 0 {
		shares = amount
	} else {
		ratio, err := rational.New(p.LPSupply, owned)
		if err != nil {
			return p, 0, err
		}
		if shares, err = ratio.FloorMul(amount); err != nil {
			return p, 0, err
		}
	}

	reserves, err := addChecked(p.Reserves, amount)
	if err != nil {
		return p, 0, err
	}
	supply, err := addChecked(p.LPSupply, shares)
	if err != nil {
		return p, 0, err
	}
	// Guard the owned-value sum used by later share math.
	if _, err := addChecked(reserves, p.IncomingStake); err != nil {
		return p, 0, err
	}

	next := p.Clone()
	next.Reserves = reserves
	next.LPSupply = supply
	return next, shares, nil
}

// RemoveLiquidity burns shares held by a provider with the given balance
// and returns the lamports they redeem for, rounding down. Value still
// locked in incoming stake cannot be withdrawn until reclaimed.
func RemoveLiquidity(p model.Pool, shares, balance uint64) (model.Pool, uint64, error) {
	if shares == 0 {
		return p, 0, ErrZeroAmount
	}
	if shares > balance || shares > p.LPSupply {
		return p, 0, ErrInsufficientShares
	}

	ratio, err := rational.New(p.OwnedLamports(), p.LPSupply)
	if err != nil {
		return p, 0, err
	}
	amount, err := ratio.FloorMul(shares)
	if err != nil {
		return p, 0, err
	}
	if amount > p.Reserves {
		return p, 0, ErrInsufficientLiquidity
	}

	next := p.Clone()
	next.Reserves = p.Reserves - amount
	next.LPSupply = p.LPSupply - shares
	return next, amount, nil
}

// ShareValue is the lamports one share currently redeems for.
func ShareValue(p model.Pool) (rational.Rational, error) {
	if p.LPSupply == 0 {
		return rational.Zero, nil
	}
	return rational.New(p.OwnedLamports(), p.LPSupply)
}
