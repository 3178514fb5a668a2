package types

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// DeployLimits bounds what a proposer may take from the deploy buffer for one block.
type DeployLimits struct {
	MaxCount        int           `mapstructure:"max_count" json:"max_count"`
	MaxTotalSize    int           `mapstructure:"max_total_size" json:"max_total_size"`
	MaxTTL          time.Duration `mapstructure:"max_ttl" json:"max_ttl"`
	MaxDependencies int           `mapstructure:"max_dependencies" json:"max_dependencies"`
}

// DefaultDeployLimits returns the limits used when none are configured.
func DefaultDeployLimits() DeployLimits {
	return DeployLimits{
		MaxCount:        100,
		MaxTotalSize:    1 << 20,
		MaxTTL:          24 * time.Hour,
		MaxDependencies: 10,
	}
}

// Deploy is a unit of work submitted by a client. Blocks reference deploys by hash;
// the body travels separately through the deploy buffer.
type Deploy struct {
	Hash         Hash          `json:"hash"`
	Body         []byte        `json:"body"`
	Timestamp    Timestamp     `json:"timestamp"`
	TTL          time.Duration `json:"ttl"`
	Dependencies []Hash        `json:"dependencies,omitempty"`
}

const (
	deployFieldBody protowire.Number = iota + 1
	deployFieldTimestamp
	deployFieldTTL
	deployFieldDependency
)

// NewDeploy builds a deploy and computes its hash.
func NewDeploy(body []byte, ts Timestamp, ttl time.Duration, deps ...Hash) *Deploy {
	d := &Deploy{
		Body:         body,
		Timestamp:    ts,
		TTL:          ttl,
		Dependencies: deps,
	}
	d.Hash = HashOf(d.MarshalBinary())
	return d
}

// MarshalBinary returns the canonical encoding; the hash is not part of it.
func (d *Deploy) MarshalBinary() []byte {
	e := &Encoder{}
	e.Bytes(deployFieldBody, d.Body).
		Uint(deployFieldTimestamp, uint64(d.Timestamp)).
		Uint(deployFieldTTL, uint64(d.TTL/time.Millisecond))
	for _, dep := range d.Dependencies {
		e.Bytes(deployFieldDependency, dep[:])
	}
	return e.Output()
}

// UnmarshalDeploy decodes a deploy and recomputes its hash.
func UnmarshalDeploy(data []byte) (*Deploy, error) {
	fields, err := DecodeFields(data)
	if err != nil {
		return nil, err
	}
	d := &Deploy{}
	for _, f := range fields {
		switch f.Num {
		case deployFieldBody:
			if err := f.ExpectType(protowire.BytesType); err != nil {
				return nil, err
			}
			d.Body = append([]byte(nil), f.Bytes...)
		case deployFieldTimestamp:
			if err := f.ExpectType(protowire.VarintType); err != nil {
				return nil, err
			}
			d.Timestamp = Timestamp(f.Uint)
		case deployFieldTTL:
			if err := f.ExpectType(protowire.VarintType); err != nil {
				return nil, err
			}
			d.TTL = time.Duration(f.Uint) * time.Millisecond
		case deployFieldDependency:
			dep, err := f.Hash()
			if err != nil {
				return nil, err
			}
			d.Dependencies = append(d.Dependencies, dep)
		default:
			return nil, fmt.Errorf("%w: unknown deploy field %d", ErrMalformed, f.Num)
		}
	}
	d.Hash = HashOf(d.MarshalBinary())
	return d, nil
}

// Size is the body length in bytes.
func (d *Deploy) Size() int {
	return len(d.Body)
}

// ExpiresAt returns the first timestamp at which the deploy is no longer valid.
func (d *Deploy) ExpiresAt() Timestamp {
	return d.Timestamp.Add(d.TTL)
}

// Expired reports whether the deploy's TTL has passed at now.
func (d *Deploy) Expired(now Timestamp) bool {
	return now >= d.ExpiresAt()
}
