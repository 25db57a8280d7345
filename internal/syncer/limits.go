package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tillworks/offline-pos/internal/config"
	"github.com/tillworks/offline-pos/internal/meta"
	"github.com/tillworks/offline-pos/internal/poserr"
)

// Store setting keys that override the configured caps. The backend pushes
// these through the settings dataset so head office can tighten exposure
// without touching terminal config files.
const (
	settingTransactionCap = "offline_max_transaction_amount"
	settingDailyCap       = "offline_max_total_amount"
	settingCountCap       = "offline_max_transaction_count"
)

// SettingSource reads one cached store setting. Satisfied by *cache.Cache.
type SettingSource interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// ExposureSource reads accumulated unsynced totals. Satisfied by *meta.Meta.
type ExposureSource interface {
	GetExposure(ctx context.Context) (*meta.Exposure, error)
}

// Guard enforces offline exposure caps before a payment is enqueued.
type Guard struct {
	settings SettingSource
	exposure ExposureSource
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg config.LimitsConfig
}

func NewGuard(settings SettingSource, exposure ExposureSource, cfg config.LimitsConfig, logger *slog.Logger) *Guard {
	return &Guard{
		settings: settings,
		exposure: exposure,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "limits")),
	}
}

// SetConfig swaps the configured caps after a config reload.
func (g *Guard) SetConfig(cfg config.LimitsConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// CheckLimit decides whether one more offline payment fits under the
// exposure caps. method distinguishes cash from card; the caps apply to
// both. Returns poserr.ErrLimitExceeded with a caller-facing message when
// a cap would be breached.
func (g *Guard) CheckLimit(ctx context.Context, method, amount string) error {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("syncer: check limit: bad amount %q: %w", amount, err)
	}

	if amt.IsNegative() {
		return fmt.Errorf("syncer: check limit: negative amount %s", amount)
	}

	txnCap, err := g.moneyCap(ctx, settingTransactionCap, g.snapshot().OfflineTransactionCap)
	if err != nil {
		return err
	}

	if txnCap != nil && amt.GreaterThan(*txnCap) {
		return fmt.Errorf("syncer: offline %s payment of %s exceeds per-transaction cap %s: %w",
			method, amount, txnCap.StringFixed(2), poserr.ErrLimitExceeded)
	}

	exp, err := g.exposure.GetExposure(ctx)
	if err != nil {
		return fmt.Errorf("syncer: check limit: %w", err)
	}

	dailyCap, err := g.moneyCap(ctx, settingDailyCap, g.snapshot().OfflineDailyCap)
	if err != nil {
		return err
	}

	if dailyCap != nil && exp.Total().Add(amt).GreaterThan(*dailyCap) {
		return fmt.Errorf("syncer: offline exposure %s plus %s exceeds cap %s: %w",
			exp.Total().StringFixed(2), amount, dailyCap.StringFixed(2), poserr.ErrLimitExceeded)
	}

	countCap, err := g.countCap(ctx)
	if err != nil {
		return err
	}

	if countCap > 0 && exp.TransactionCount+1 > int64(countCap) {
		return fmt.Errorf("syncer: offline transaction count %d at cap %d: %w",
			exp.TransactionCount, countCap, poserr.ErrLimitExceeded)
	}

	return nil
}

func (g *Guard) snapshot() config.LimitsConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.cfg
}

// moneyCap resolves one money cap: the cached store setting wins over the
// config value; empty disables the cap. A malformed setting is logged and
// ignored rather than blocking sales.
func (g *Guard) moneyCap(ctx context.Context, settingKey, configured string) (*decimal.Decimal, error) {
	raw, err := g.settings.GetSetting(ctx, settingKey)
	if err != nil {
		return nil, fmt.Errorf("syncer: reading %s: %w", settingKey, err)
	}

	if raw == "" {
		raw = configured
	}

	if raw == "" {
		return nil, nil
	}

	limit, err := decimal.NewFromString(raw)
	if err != nil {
		g.logger.Warn("ignoring malformed cap",
			slog.String("key", settingKey),
			slog.String("value", raw),
		)

		return nil, nil
	}

	return &limit, nil
}

func (g *Guard) countCap(ctx context.Context) (int, error) {
	raw, err := g.settings.GetSetting(ctx, settingCountCap)
	if err != nil {
		return 0, fmt.Errorf("syncer: reading %s: %w", settingCountCap, err)
	}

	if raw != "" {
		var n int
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil && n >= 0 {
			return n, nil
		}

		g.logger.Warn("ignoring malformed cap",
			slog.String("key", settingCountCap),
			slog.String("value", raw),
		)
	}

	return g.snapshot().OfflineTransactionCountCap, nil
}
