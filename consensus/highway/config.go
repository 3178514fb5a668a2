// Package highway implements the per-era Highway protocol: the unit DAG, leader sequence,
// finality detector and the instance state machine that drives them.
package highway

import (
	"time"

	"github.com/ahwlsqja/highway-casper/crypto"
	"github.com/ahwlsqja/highway-casper/types"
)

// Params are the protocol parameters fixed at genesis.
type Params struct {
	// 허용 비잔틴 가중치 비율 (0-99)
	FTTPercent uint64 `mapstructure:"ftt_percent"`

	// 라운드 길이 = 2^exp 밀리초
	MinRoundExp     uint8 `mapstructure:"min_round_exp"`
	MaxRoundExp     uint8 `mapstructure:"max_round_exp"`
	InitialRoundExp uint8 `mapstructure:"initial_round_exp"`

	// 연속 타임아웃/성공 라운드 수, 이만큼 쌓이면 exponent 조정
	ExponentRun int `mapstructure:"exponent_run"`

	EraDuration     time.Duration `mapstructure:"era_duration"`
	BookingDuration time.Duration `mapstructure:"booking_duration"`
	EntropyDuration time.Duration `mapstructure:"entropy_duration"`
	VotingPeriod    time.Duration `mapstructure:"voting_period"`

	// Summit search stops at this level.
	MaxSummitLevel int `mapstructure:"max_summit_level"`

	DeployLimits types.DeployLimits `mapstructure:"deploy_limits"`
}

// DefaultParams returns parameters suitable for a small devnet.
func DefaultParams() Params {
	return Params{
		FTTPercent:      33,
		MinRoundExp:     10, // ~1s
		MaxRoundExp:     17, // ~131s
		InitialRoundExp: 12, // ~4s
		ExponentRun:     3,
		EraDuration:     30 * time.Minute,
		BookingDuration: 10 * time.Minute,
		EntropyDuration: 3 * time.Minute,
		VotingPeriod:    time.Minute,
		MaxSummitLevel:  16,
		DeployLimits:    types.DefaultDeployLimits(),
	}
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	switch {
	case p.FTTPercent > 99:
		return ErrBadFTT
	case p.MinRoundExp > p.MaxRoundExp, p.MaxRoundExp > 40:
		return ErrBadRoundExpBounds
	case p.InitialRoundExp < p.MinRoundExp || p.InitialRoundExp > p.MaxRoundExp:
		return ErrBadRoundExpBounds
	case p.ExponentRun < 1:
		return ErrBadExponentRun
	case p.EraDuration <= 0:
		return ErrBadEraDuration
	case p.BookingDuration <= 0 || p.BookingDuration > p.EraDuration:
		return ErrBadBookingDuration
	case p.EntropyDuration < 0 || p.EntropyDuration > p.BookingDuration:
		return ErrBadEntropyDuration
	case p.VotingPeriod < 0:
		return ErrBadVotingPeriod
	case p.MaxSummitLevel < 1 || p.MaxSummitLevel > 62:
		return ErrBadSummitLevel
	}
	return nil
}

type paramsError string

func (e paramsError) Error() string {
	return string(e)
}

const (
	ErrBadFTT             = paramsError("ftt percent must be in [0, 99]")
	ErrBadRoundExpBounds  = paramsError("round exponent bounds must satisfy min <= initial <= max <= 40")
	ErrBadExponentRun     = paramsError("exponent run must be at least 1")
	ErrBadEraDuration     = paramsError("era duration must be positive")
	ErrBadBookingDuration = paramsError("booking duration must be in (0, era duration]")
	ErrBadEntropyDuration = paramsError("entropy duration must be in [0, booking duration]")
	ErrBadVotingPeriod    = paramsError("voting period must not be negative")
	ErrBadSummitLevel     = paramsError("max summit level must be in [1, 62]")
)

// EraConfig is everything an instance needs to know about its era.
type EraConfig struct {
	EraID      types.EraID
	Start      types.Timestamp
	Validators *types.ValidatorSet
	Seed       types.Hash
	Params     Params

	// Height of the era's first block.
	FirstHeight uint64
}

// End returns the nominal end of the era.
func (c *EraConfig) End() types.Timestamp {
	return c.Start.Add(c.Params.EraDuration)
}

// DeploySource provides deploys to the round leader.
type DeploySource interface {
	TakeDeploys(limits types.DeployLimits, exclude func(types.Hash) bool) []types.Hash
}

// StateLookup returns the post-state hash of an executed block, if known.
type StateLookup interface {
	ExecutedState(block types.Hash) (types.Hash, bool)
}

// Signer is the subset of crypto.Signer an instance needs to create units.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() [crypto.PublicKeySize]byte
}
