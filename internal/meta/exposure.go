package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Exposure is the terminal's accumulated offline liability since the last
// reset: how much money has been taken and how many transactions recorded
// while the backend could not confirm them.
type Exposure struct {
	TransactionCount int64
	CashTotal        decimal.Decimal
	CardTotal        decimal.Decimal
}

// Total returns cash plus card exposure.
func (e *Exposure) Total() decimal.Decimal {
	return e.CashTotal.Add(e.CardTotal)
}

// GetExposure reads the current counters. Absent keys read as zero.
func (m *Meta) GetExposure(ctx context.Context) (*Exposure, error) {
	count, err := m.getInt(ctx, keyOfflineTxnCount)
	if err != nil {
		return nil, err
	}

	cash, err := m.getDecimal(ctx, keyOfflineCash)
	if err != nil {
		return nil, err
	}

	card, err := m.getDecimal(ctx, keyOfflineCard)
	if err != nil {
		return nil, err
	}

	return &Exposure{TransactionCount: count, CashTotal: cash, CardTotal: card}, nil
}

// AddExposure increments the counters for one successful offline payment:
// the matching money counter by amount (base + surcharge + tip, computed by
// the caller) and the transaction counter by one, in a single transaction.
// Counters only ever grow here; ResetExposure is the only decrement path.
func (m *Meta) AddExposure(ctx context.Context, method string, amount decimal.Decimal) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("meta: begin exposure tx: %w", err)
	}
	defer tx.Rollback()

	if err := m.AddExposureTx(ctx, tx, method, amount); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("meta: commit exposure: %w", err)
	}

	return nil
}

// AddExposureTx is AddExposure inside the caller's transaction, so a
// payment row and its exposure increment commit or roll back together.
func (m *Meta) AddExposureTx(ctx context.Context, tx *sql.Tx, method string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("meta: exposure amount %s must not be negative", amount)
	}

	moneyKey := keyOfflineCash
	if method == "CARD_TERMINAL" || method == "GIFT_CARD" {
		moneyKey = keyOfflineCard
	}

	current, err := m.getDecimalTx(ctx, tx, moneyKey)
	if err != nil {
		return err
	}

	if err := m.setInTx(ctx, tx, moneyKey, current.Add(amount).String()); err != nil {
		return err
	}

	count, err := m.getIntTx(ctx, tx, keyOfflineTxnCount)
	if err != nil {
		return err
	}

	return m.setInTx(ctx, tx, keyOfflineTxnCount, strconv.FormatInt(count+1, 10))
}

// ResetExposure zeroes all counters. allSentBefore reports whether every
// operation created before the reset point has reached SENT; the reset is
// refused otherwise, so exposure never under-counts unsynced money.
func (m *Meta) ResetExposure(ctx context.Context, point time.Time, allSentBefore func(context.Context, time.Time) (bool, error)) error {
	ok, err := allSentBefore(ctx, point)
	if err != nil {
		return fmt.Errorf("meta: checking sent operations before reset: %w", err)
	}

	if !ok {
		return fmt.Errorf("meta: exposure reset refused: operations before %s not all sent", point.Format(time.RFC3339))
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("meta: begin exposure reset tx: %w", err)
	}
	defer tx.Rollback()

	for _, key := range []string{keyOfflineTxnCount, keyOfflineCash, keyOfflineCard} {
		if err := m.setInTx(ctx, tx, key, "0"); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("meta: commit exposure reset: %w", err)
	}

	m.logger.Info("offline exposure counters reset", "point", point.Format(time.RFC3339))

	return nil
}

func (m *Meta) getInt(ctx context.Context, key string) (int64, error) {
	value, err := m.Get(ctx, key)
	if err != nil || value == "" {
		return 0, err
	}

	n, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("meta: parsing %q: %w", key, parseErr)
	}

	return n, nil
}

func (m *Meta) getDecimal(ctx context.Context, key string) (decimal.Decimal, error) {
	value, err := m.Get(ctx, key)
	if err != nil || value == "" {
		return decimal.Zero, err
	}

	d, parseErr := decimal.NewFromString(value)
	if parseErr != nil {
		return decimal.Zero, fmt.Errorf("meta: parsing %q: %w", key, parseErr)
	}

	return d, nil
}

func (m *Meta) getDecimalTx(ctx context.Context, tx *sql.Tx, key string) (decimal.Decimal, error) {
	var value string

	err := tx.QueryRowContext(ctx, `SELECT value FROM device_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}

	if err != nil {
		return decimal.Zero, fmt.Errorf("meta: get %q in tx: %w", key, err)
	}

	d, parseErr := decimal.NewFromString(value)
	if parseErr != nil {
		return decimal.Zero, fmt.Errorf("meta: parsing %q: %w", key, parseErr)
	}

	return d, nil
}

func (m *Meta) getIntTx(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var value string

	err := tx.QueryRowContext(ctx, `SELECT value FROM device_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("meta: get %q in tx: %w", key, err)
	}

	n, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("meta: parsing %q: %w", key, parseErr)
	}

	return n, nil
}
