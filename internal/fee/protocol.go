package fee

import (
	"fmt"

	"github.com/atmx/unstake-engine/internal/rational"
)

// ProtocolFee diverts a fraction of every collected fee (not of the
// principal) to the protocol treasury. An optional referrer named on the
// unstake request receives ReferrerFeeRatio of the protocol's portion.
type ProtocolFee struct {
	FeeRatio         rational.Rational `json:"fee_ratio"`
	ReferrerFeeRatio rational.Rational `json:"referrer_fee_ratio"`
	Destination      string            `json:"destination"`
	Authority        string            `json:"authority"`
}

// Split is the disposition of one fee amount. The parts always sum to the fee.
type Split struct {
	Provider uint64 `json:"provider"`
	Protocol uint64 `json:"protocol"`
	Referrer uint64 `json:"referrer"`
}

// Total returns Provider + Protocol + Referrer.
func (s Split) Total() uint64 { return s.Provider + s.Protocol + s.Referrer }

// Validate checks both ratios lie in [0, 1].
func (p ProtocolFee) Validate() error {
	if !p.FeeRatio.InUnitInterval() {
		return fmt.Errorf("%w: protocol fee_ratio %s outside [0,1]", ErrInvalidFeeConfiguration, p.FeeRatio)
	}
	if !p.ReferrerFeeRatio.InUnitInterval() {
		return fmt.Errorf("%w: referrer_fee_ratio %s outside [0,1]", ErrInvalidFeeConfiguration, p.ReferrerFeeRatio)
	}
	return nil
}

// Split divides feeAmount. The protocol's share rounds down so that any
// remainder stays with the providers.
func (p ProtocolFee) Split(feeAmount uint64, withReferrer bool) (Split, error) {
	protocol, err := p.FeeRatio.FloorMul(feeAmount)
	if err != nil {
		return Split{}, err
	}
	if protocol > feeAmount {
		return Split{}, ErrInvalidFeeConfiguration
	}
	s := Split{Provider: feeAmount - protocol, Protocol: protocol}
	if withReferrer && protocol > 0 {
		referrer, err := p.ReferrerFeeRatio.FloorMul(protocol)
		if err != nil {
			return Split{}, err
		}
		if referrer > protocol {
			return Split{}, ErrInvalidFeeConfiguration
		}
		s.Referrer = referrer
		s.Protocol = protocol - referrer
	}
	return s, nil
}
