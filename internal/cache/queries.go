package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const sqlProductColumns = `id, tenant_id, location_id, product_type_id, name, price,
	category_id, barcode, image_url, track_inventory, has_modifiers,
	is_public, is_active, tax_ids, modifier_sets, updated_at`

// ProductFilter narrows ListProducts. Zero values mean "no filter".
type ProductFilter struct {
	CategoryID string
	ActiveOnly bool
	PublicOnly bool
	Limit      int
}

// ListProducts returns cached products matching the filter, name-ordered.
func (c *Cache) ListProducts(ctx context.Context, filter ProductFilter) ([]*Product, error) {
	query := `SELECT ` + sqlProductColumns + ` FROM products WHERE 1=1`

	var args []any

	if filter.CategoryID != "" {
		query += ` AND category_id = ?`
		args = append(args, filter.CategoryID)
	}

	if filter.ActiveOnly {
		query += ` AND is_active = 1`
	}

	if filter.PublicOnly {
		query += ` AND is_public = 1`
	}

	query += ` ORDER BY name`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: list products: %w", err)
	}
	defer rows.Close()

	return scanProductRows(rows)
}

// GetProduct returns one product by ID, or (nil, nil) when absent.
func (c *Cache) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, err := scanProduct(c.db.QueryRowContext(ctx,
		`SELECT `+sqlProductColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get product %s: %w", id, err)
	}

	return p, nil
}

// GetProductByBarcode returns the active product with the given barcode,
// or (nil, nil) when no product carries it.
func (c *Cache) GetProductByBarcode(ctx context.Context, barcode string) (*Product, error) {
	p, err := scanProduct(c.db.QueryRowContext(ctx,
		`SELECT `+sqlProductColumns+` FROM products WHERE barcode = ? AND is_active = 1`, barcode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get product by barcode %q: %w", barcode, err)
	}

	return p, nil
}

func scanProduct(row interface{ Scan(...any) error }) (*Product, error) {
	p := &Product{}

	var taxIDs, modifierSets string

	err := row.Scan(
		&p.ID, &p.TenantID, &p.LocationID, &p.ProductTypeID, &p.Name, &p.Price,
		&p.CategoryID, &p.Barcode, &p.ImageURL,
		&p.TrackInventory, &p.HasModifiers, &p.IsPublic, &p.IsActive,
		&taxIDs, &modifierSets, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.TaxIDs = json.RawMessage(taxIDs)
	p.ModifierSets = json.RawMessage(modifierSets)

	return p, nil
}

func scanProductRows(rows *sql.Rows) ([]*Product, error) {
	var products []*Product

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("cache: scan product row: %w", err)
		}

		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate product rows: %w", err)
	}

	return products, nil
}

// ListModifierSets returns all cached modifier sets.
func (c *Cache) ListModifierSets(ctx context.Context) ([]*ModifierSet, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, selection_type, min_selections, max_selections,
			trigger_option, options, updated_at
		 FROM modifier_sets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("cache: list modifier sets: %w", err)
	}
	defer rows.Close()

	var sets []*ModifierSet

	for rows.Next() {
		ms := &ModifierSet{}

		var options string

		err := rows.Scan(&ms.ID, &ms.TenantID, &ms.Name, &ms.SelectionType,
			&ms.MinSelections, &ms.MaxSelections, &ms.TriggerOption, &options, &ms.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("cache: scan modifier set: %w", err)
		}

		ms.Options = json.RawMessage(options)
		sets = append(sets, ms)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate modifier sets: %w", err)
	}

	return sets, nil
}

// ListDiscounts returns cached discounts; activeAt of non-zero restricts to
// discounts whose date window covers that Unix timestamp.
func (c *Cache) ListDiscounts(ctx context.Context, activeAt int64) ([]*Discount, error) {
	query := `SELECT id, tenant_id, name, kind, scope, value, code, starts_at, ends_at,
		min_purchase, min_quantity, applies_to, updated_at FROM discounts`

	var args []any

	if activeAt != 0 {
		query += ` WHERE (starts_at = 0 OR starts_at <= ?) AND (ends_at = 0 OR ends_at >= ?)`
		args = append(args, activeAt, activeAt)
	}

	query += ` ORDER BY name`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: list discounts: %w", err)
	}
	defer rows.Close()

	var discounts []*Discount

	for rows.Next() {
		d := &Discount{}

		var appliesTo string

		err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.Kind, &d.Scope, &d.Value, &d.Code,
			&d.StartsAt, &d.EndsAt, &d.MinPurchase, &d.MinQuantity, &appliesTo, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("cache: scan discount: %w", err)
		}

		d.AppliesTo = json.RawMessage(appliesTo)
		discounts = append(discounts, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate discounts: %w", err)
	}

	return discounts, nil
}

// ListTaxes returns all cached tax rates.
func (c *Cache) ListTaxes(ctx context.Context) ([]*Tax, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, rate, updated_at FROM taxes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("cache: list taxes: %w", err)
	}
	defer rows.Close()

	var taxes []*Tax

	for rows.Next() {
		t := &Tax{}

		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Rate, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("cache: scan tax: %w", err)
		}

		taxes = append(taxes, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate taxes: %w", err)
	}

	return taxes, nil
}

// GetStock returns the cached stock row for a product at a location, or
// (nil, nil) when no stock is tracked.
func (c *Cache) GetStock(ctx context.Context, productID, locationID string) (*InventoryStock, error) {
	st := &InventoryStock{}

	err := c.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, product_id, location_id, quantity, updated_at
		 FROM inventory_stocks WHERE product_id = ? AND location_id = ?`,
		productID, locationID).Scan(
		&st.ID, &st.TenantID, &st.ProductID, &st.LocationID, &st.Quantity, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get stock %s/%s: %w", productID, locationID, err)
	}

	return st, nil
}

// GetSetting returns the value of one store setting, or "" when unset.
func (c *Cache) GetSetting(ctx context.Context, key string) (string, error) {
	var value string

	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("cache: get setting %q: %w", key, err)
	}

	return value, nil
}

// ListUsers returns active POS users.
func (c *Cache) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, tenant_id, location_id, name, role, pin_hash, is_active, updated_at
		 FROM users WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("cache: list users: %w", err)
	}
	defer rows.Close()

	var users []*User

	for rows.Next() {
		u := &User{}

		err := rows.Scan(&u.ID, &u.TenantID, &u.LocationID, &u.Name, &u.Role,
			&u.PINHash, &u.IsActive, &u.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("cache: scan user: %w", err)
		}

		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate users: %w", err)
	}

	return users, nil
}

// VerifyUserPIN finds the active user whose stored PIN hash matches the
// SHA-256 of the submitted PIN. Returns (nil, nil) when no user matches;
// used for manager approvals while offline.
func (c *Cache) VerifyUserPIN(ctx context.Context, pin string) (*User, error) {
	sum := sha256.Sum256([]byte(pin))
	hash := hex.EncodeToString(sum[:])

	u := &User{}

	err := c.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, location_id, name, role, pin_hash, is_active, updated_at
		 FROM users WHERE pin_hash = ? AND is_active = 1`, hash).Scan(
		&u.ID, &u.TenantID, &u.LocationID, &u.Name, &u.Role, &u.PINHash, &u.IsActive, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: verify pin: %w", err)
	}

	return u, nil
}
