package meta

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tillworks/offline-pos/internal/poserr"
)

// Pairing binds the terminal to a tenant and location. The signing secret
// is the shared secret the backend issued at pairing time; outbound
// operations are signed with it.
type Pairing struct {
	TerminalID    string
	TenantID      string
	LocationID    string
	SigningSecret []byte
	PairedAt      time.Time
}

// StorePairing writes all pairing keys in one transaction. Pairing is
// all-or-nothing: a partially paired terminal must never be observable.
func (m *Meta) StorePairing(ctx context.Context, p *Pairing) error {
	if p.TerminalID == "" || p.TenantID == "" || p.LocationID == "" || len(p.SigningSecret) == 0 {
		return fmt.Errorf("meta: incomplete pairing: all of terminal, tenant, location, secret required")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("meta: begin pairing tx: %w", err)
	}
	defer tx.Rollback()

	pairs := []struct{ key, value string }{
		{keyTerminalID, p.TerminalID},
		{keyTenantID, p.TenantID},
		{keyLocationID, p.LocationID},
		{keySigningSecret, string(p.SigningSecret)},
		{keyPairedAt, strconv.FormatInt(m.nowFunc().Unix(), 10)},
	}

	for _, kv := range pairs {
		if err := m.setInTx(ctx, tx, kv.key, kv.value); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("meta: commit pairing: %w", err)
	}

	m.logger.Info("terminal paired",
		"terminal_id", p.TerminalID,
		"tenant_id", p.TenantID,
		"location_id", p.LocationID,
	)

	return nil
}

// ClearPairing removes all pairing keys in one transaction.
func (m *Meta) ClearPairing(ctx context.Context) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("meta: begin unpair tx: %w", err)
	}
	defer tx.Rollback()

	for _, key := range []string{keyTerminalID, keyTenantID, keyLocationID, keySigningSecret, keyPairedAt} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_meta WHERE key = ?`, key); err != nil {
			return fmt.Errorf("meta: clearing %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("meta: commit unpair: %w", err)
	}

	m.logger.Info("terminal unpaired")

	return nil
}

// GetPairing returns the stored pairing, or ErrNotPaired when any
// mandatory key is missing.
func (m *Meta) GetPairing(ctx context.Context) (*Pairing, error) {
	p := &Pairing{}

	var err error

	if p.TerminalID, err = m.Get(ctx, keyTerminalID); err != nil {
		return nil, err
	}

	if p.TenantID, err = m.Get(ctx, keyTenantID); err != nil {
		return nil, err
	}

	if p.LocationID, err = m.Get(ctx, keyLocationID); err != nil {
		return nil, err
	}

	secret, err := m.Get(ctx, keySigningSecret)
	if err != nil {
		return nil, err
	}

	p.SigningSecret = []byte(secret)

	if p.TerminalID == "" || p.TenantID == "" || p.LocationID == "" || len(p.SigningSecret) == 0 {
		return nil, poserr.ErrNotPaired
	}

	if p.PairedAt, err = m.getTime(ctx, keyPairedAt); err != nil {
		return nil, err
	}

	return p, nil
}

// TenantLocation returns the paired tenant and location identifiers, or
// empty strings when unpaired. Used by the cache for row back-fill.
func (m *Meta) TenantLocation(ctx context.Context) (string, string, error) {
	p, err := m.GetPairing(ctx)
	if errors.Is(err, poserr.ErrNotPaired) {
		return "", "", nil
	}

	if err != nil {
		return "", "", err
	}

	return p.TenantID, p.LocationID, nil
}

// IsPaired reports whether all mandatory pairing keys are present.
func (m *Meta) IsPaired(ctx context.Context) (bool, error) {
	_, err := m.GetPairing(ctx)
	if errors.Is(err, poserr.ErrNotPaired) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
