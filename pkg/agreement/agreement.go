// Package agreement drives eras: one binary agreement per validator slot, run
// concurrently, collected into the era's slot bitmap.
package agreement

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

// Agreer runs a single agreement to its decision, usually a *bba.Process.
type Agreer interface {
	StartAgreementAndWait(ctx context.Context, id protocolid.AgreementId, estimate bool) (bool, error)
}

// ProposalFunc returns our estimate for one slot of an era.
type ProposalFunc func(era, slot uint64) bool

type Driver struct {
	agreer   Agreer
	slots    uint64
	timeout  time.Duration
	proposal ProposalFunc
}

// NewDriver creates a driver for slots validator slots. A zero timeout leaves
// eras bounded only by the caller's context.
func NewDriver(agreer Agreer, slots uint64, timeout time.Duration, proposal ProposalFunc) *Driver {
	return &Driver{agreer: agreer, slots: slots, timeout: timeout, proposal: proposal}
}

// Run agrees on every slot of era and returns the decided bits in slot order.
func (d *Driver) Run(ctx context.Context, era uint64) ([]bool, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	decisions := make([]bool, d.slots)
	g, ctx := errgroup.WithContext(ctx)
	for slot := uint64(0); slot < d.slots; slot++ {
		slot := slot
		g.Go(func() error {
			id := protocolid.AgreementId{Era: era, ValidatorSlot: slot}
			v, err := d.agreer.StartAgreementAndWait(ctx, id, d.proposal(era, slot))
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			decisions[slot] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info("era %d decided %s", era, FormatBits(decisions))
	return decisions, nil
}

// RunEras runs count eras starting at first, one after another, handing each
// result to onEra.
func (d *Driver) RunEras(ctx context.Context, first, count uint64, onEra func(era uint64, decisions []bool)) error {
	for era := first; era < first+count; era++ {
		decisions, err := d.Run(ctx, era)
		if err != nil {
			return err
		}
		if onEra != nil {
			onEra(era, decisions)
		}
	}
	return nil
}

// FormatBits renders bits as a string of 0 and 1.
func FormatBits(bits []bool) string {
	b := make([]byte, len(bits))
	for i, v := range bits {
		b[i] = '0'
		if v {
			b[i] = '1'
		}
	}
	return string(b)
}

// ParseBits is the inverse of FormatBits.
func ParseBits(s string) ([]bool, error) {
	bits := make([]bool, len(s))
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			bits[i] = true
		default:
			return nil, fmt.Errorf("invalid bit %q at position %d", c, i)
		}
	}
	return bits, nil
}
