package firewall

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/audit"
	"github.com/mbd888/txfirewall/internal/logging"
	"github.com/mbd888/txfirewall/internal/spend"
	"github.com/mbd888/txfirewall/internal/validation"
)

// ErrInvalidAddress is returned by Block and Allow for malformed input.
var ErrInvalidAddress = errors.New("firewall: invalid address")

// RecordSpend adds realized spend to the current period.
func (p *Pipeline) RecordSpend(ctx context.Context, amount *uint256.Int) error {
	if err := p.ledger.RecordSpend(ctx, amount); err != nil {
		return err
	}
	p.auditAction(ctx, audit.Entry{Action: audit.ActionRecord, AmountWei: amount.Dec(), Allowed: true})
	return nil
}

// Confirm converts a reservation into recorded spend.
func (p *Pipeline) Confirm(ctx context.Context, reservationID string) error {
	if err := p.ledger.Confirm(ctx, reservationID); err != nil {
		return err
	}
	p.auditAction(ctx, audit.Entry{Action: audit.ActionConfirm, Subject: reservationID, Allowed: true})
	return nil
}

// Release drops a reservation without recording spend.
func (p *Pipeline) Release(ctx context.Context, reservationID string) error {
	if err := p.ledger.Release(ctx, reservationID); err != nil {
		return err
	}
	p.auditAction(ctx, audit.Entry{Action: audit.ActionRelease, Subject: reservationID, Allowed: true})
	return nil
}

// ResetPeriodSpend zeroes the current period's recorded spend.
func (p *Pipeline) ResetPeriodSpend(ctx context.Context) error {
	if err := p.ledger.Reset(ctx); err != nil {
		return err
	}
	logging.L(ctx).Warn("period spend reset by operator")
	p.auditAction(ctx, audit.Entry{Action: audit.ActionReset, Allowed: true})
	return nil
}

// Block adds address to the block list.
func (p *Pipeline) Block(ctx context.Context, address string) error {
	addr := validation.SanitizeAddress(address)
	if !validation.IsValidEthAddress(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	p.classifier.Block(addr)
	p.auditAction(ctx, audit.Entry{Action: audit.ActionBlock, Subject: addr})
	return nil
}

// Allow adds address to the allow list. It reports false when the
// classifier is not in allow-list mode, where the list has no effect.
func (p *Pipeline) Allow(ctx context.Context, address string) (bool, error) {
	addr := validation.SanitizeAddress(address)
	if !validation.IsValidEthAddress(addr) {
		return false, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if !p.classifier.Allow(addr) {
		return false, nil
	}
	p.auditAction(ctx, audit.Entry{Action: audit.ActionAllow, Subject: addr, Allowed: true})
	return true, nil
}

// Remaining returns what may still be spent in the current period.
func (p *Pipeline) Remaining(ctx context.Context) (*uint256.Int, error) {
	return p.ledger.Remaining(ctx)
}

// Reservations lists the holds that are still live, oldest first.
func (p *Pipeline) Reservations(ctx context.Context) ([]spend.Reservation, error) {
	return p.ledger.Reservations(ctx)
}

// Status reports configuration and current ledger state.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	ls, err := p.ledger.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Ledger:             ls,
		Classifier:         p.classifier.Summary(),
		SimulationRequired: p.cfg.RequireSimulation,
		Payer:              validation.SanitizeAddress(p.cfg.Payer),
	}, nil
}

// BlockedContracts lists the block list, including built-in entries.
func (p *Pipeline) BlockedContracts() []string {
	return p.classifier.Blocked()
}

// ExportAudit returns the audit trail as JSON lines, or nil when no
// audit log is configured.
func (p *Pipeline) ExportAudit(ctx context.Context) ([]byte, error) {
	if p.audit == nil {
		return nil, nil
	}
	return p.audit.Export(ctx)
}

func (p *Pipeline) auditAction(ctx context.Context, e audit.Entry) {
	if p.audit == nil {
		return
	}
	if _, err := p.audit.Log(ctx, e); err != nil {
		logging.L(ctx).Warn("failed to write audit entry", "action", e.Action, "error", err)
	}
}
