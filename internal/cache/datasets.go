package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Upsert SQL per dataset. All follow the same shape: insert with
// ON CONFLICT(id) DO UPDATE over every mutable column.

const sqlUpsertProduct = `INSERT INTO products
	(id, tenant_id, location_id, product_type_id, name, price, category_id,
	 barcode, image_url, track_inventory, has_modifiers, is_public, is_active,
	 tax_ids, modifier_sets, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id       = excluded.tenant_id,
		location_id     = excluded.location_id,
		product_type_id = excluded.product_type_id,
		name            = excluded.name,
		price           = excluded.price,
		category_id     = excluded.category_id,
		barcode         = excluded.barcode,
		image_url       = excluded.image_url,
		track_inventory = excluded.track_inventory,
		has_modifiers   = excluded.has_modifiers,
		is_public       = excluded.is_public,
		is_active       = excluded.is_active,
		tax_ids         = excluded.tax_ids,
		modifier_sets   = excluded.modifier_sets,
		updated_at      = excluded.updated_at`

const sqlUpsertModifierSet = `INSERT INTO modifier_sets
	(id, tenant_id, name, selection_type, min_selections, max_selections,
	 trigger_option, options, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id      = excluded.tenant_id,
		name           = excluded.name,
		selection_type = excluded.selection_type,
		min_selections = excluded.min_selections,
		max_selections = excluded.max_selections,
		trigger_option = excluded.trigger_option,
		options        = excluded.options,
		updated_at     = excluded.updated_at`

const sqlUpsertDiscount = `INSERT INTO discounts
	(id, tenant_id, name, kind, scope, value, code, starts_at, ends_at,
	 min_purchase, min_quantity, applies_to, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id    = excluded.tenant_id,
		name         = excluded.name,
		kind         = excluded.kind,
		scope        = excluded.scope,
		value        = excluded.value,
		code         = excluded.code,
		starts_at    = excluded.starts_at,
		ends_at      = excluded.ends_at,
		min_purchase = excluded.min_purchase,
		min_quantity = excluded.min_quantity,
		applies_to   = excluded.applies_to,
		updated_at   = excluded.updated_at`

const sqlUpsertTax = `INSERT INTO taxes (id, tenant_id, name, rate, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id  = excluded.tenant_id,
		name       = excluded.name,
		rate       = excluded.rate,
		updated_at = excluded.updated_at`

const sqlUpsertProductType = `INSERT INTO product_types (id, tenant_id, name, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id  = excluded.tenant_id,
		name       = excluded.name,
		updated_at = excluded.updated_at`

const sqlUpsertInventoryLocation = `INSERT INTO inventory_locations (id, tenant_id, name, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id  = excluded.tenant_id,
		name       = excluded.name,
		updated_at = excluded.updated_at`

const sqlUpsertInventoryStock = `INSERT INTO inventory_stocks
	(id, tenant_id, product_id, location_id, quantity, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id   = excluded.tenant_id,
		product_id  = excluded.product_id,
		location_id = excluded.location_id,
		quantity    = excluded.quantity,
		updated_at  = excluded.updated_at`

const sqlUpsertSetting = `INSERT INTO settings (id, tenant_id, key, value, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id  = excluded.tenant_id,
		key        = excluded.key,
		value      = excluded.value,
		updated_at = excluded.updated_at`

const sqlUpsertUser = `INSERT INTO users
	(id, tenant_id, location_id, name, role, pin_hash, is_active, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id   = excluded.tenant_id,
		location_id = excluded.location_id,
		name        = excluded.name,
		role        = excluded.role,
		pin_hash    = excluded.pin_hash,
		is_active   = excluded.is_active,
		updated_at  = excluded.updated_at`

// upsertRow decodes one backend JSON row for a non-category dataset and
// executes its upsert inside the caller's transaction. Rows missing tenant
// or location identifiers are back-filled from pairing; rows carrying
// foreign identifiers are accepted as-is (the backend is authoritative).
func (c *Cache) upsertRow(ctx context.Context, tx *sql.Tx, key string, raw json.RawMessage, tenantID, locationID string) error {
	switch key {
	case DatasetProducts:
		var p Product
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decoding product: %w", err)
		}

		fill(&p.TenantID, tenantID)
		fill(&p.LocationID, locationID)
		fillJSON(&p.TaxIDs)
		fillJSON(&p.ModifierSets)

		_, err := tx.ExecContext(ctx, sqlUpsertProduct,
			p.ID, p.TenantID, p.LocationID, p.ProductTypeID, p.Name, p.Price,
			p.CategoryID, p.Barcode, p.ImageURL,
			p.TrackInventory, p.HasModifiers, p.IsPublic, p.IsActive,
			string(p.TaxIDs), string(p.ModifierSets), p.UpdatedAt)

		return err
	case DatasetModifierSets:
		var ms ModifierSet
		if err := json.Unmarshal(raw, &ms); err != nil {
			return fmt.Errorf("decoding modifier set: %w", err)
		}

		fill(&ms.TenantID, tenantID)
		fillJSON(&ms.Options)

		_, err := tx.ExecContext(ctx, sqlUpsertModifierSet,
			ms.ID, ms.TenantID, ms.Name, ms.SelectionType,
			ms.MinSelections, ms.MaxSelections, ms.TriggerOption,
			string(ms.Options), ms.UpdatedAt)

		return err
	case DatasetDiscounts:
		var d Discount
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("decoding discount: %w", err)
		}

		fill(&d.TenantID, tenantID)
		fillJSON(&d.AppliesTo)

		_, err := tx.ExecContext(ctx, sqlUpsertDiscount,
			d.ID, d.TenantID, d.Name, d.Kind, d.Scope, d.Value, d.Code,
			d.StartsAt, d.EndsAt, d.MinPurchase, d.MinQuantity,
			string(d.AppliesTo), d.UpdatedAt)

		return err
	case DatasetTaxes:
		var t Tax
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("decoding tax: %w", err)
		}

		fill(&t.TenantID, tenantID)

		_, err := tx.ExecContext(ctx, sqlUpsertTax, t.ID, t.TenantID, t.Name, t.Rate, t.UpdatedAt)

		return err
	case DatasetProductTypes:
		var pt ProductType
		if err := json.Unmarshal(raw, &pt); err != nil {
			return fmt.Errorf("decoding product type: %w", err)
		}

		fill(&pt.TenantID, tenantID)

		_, err := tx.ExecContext(ctx, sqlUpsertProductType, pt.ID, pt.TenantID, pt.Name, pt.UpdatedAt)

		return err
	case DatasetInventoryLocations:
		var loc InventoryLocation
		if err := json.Unmarshal(raw, &loc); err != nil {
			return fmt.Errorf("decoding inventory location: %w", err)
		}

		fill(&loc.TenantID, tenantID)

		_, err := tx.ExecContext(ctx, sqlUpsertInventoryLocation, loc.ID, loc.TenantID, loc.Name, loc.UpdatedAt)

		return err
	case DatasetInventoryStocks:
		var st InventoryStock
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("decoding inventory stock: %w", err)
		}

		fill(&st.TenantID, tenantID)
		fill(&st.LocationID, locationID)

		_, err := tx.ExecContext(ctx, sqlUpsertInventoryStock,
			st.ID, st.TenantID, st.ProductID, st.LocationID, st.Quantity, st.UpdatedAt)

		return err
	case DatasetSettings:
		var s Setting
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decoding setting: %w", err)
		}

		fill(&s.TenantID, tenantID)

		_, err := tx.ExecContext(ctx, sqlUpsertSetting, s.ID, s.TenantID, s.Key, s.Value, s.UpdatedAt)

		return err
	case DatasetUsers:
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("decoding user: %w", err)
		}

		fill(&u.TenantID, tenantID)
		fill(&u.LocationID, locationID)

		_, err := tx.ExecContext(ctx, sqlUpsertUser,
			u.ID, u.TenantID, u.LocationID, u.Name, u.Role, u.PINHash, u.IsActive, u.UpdatedAt)

		return err
	default:
		return fmt.Errorf("no upsert for dataset %q", key)
	}
}

// fill back-fills an empty identifier from pairing.
func fill(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

// fillJSON normalizes absent embedded lists to an empty JSON array so the
// NOT NULL columns always hold valid JSON.
func fillJSON(raw *json.RawMessage) {
	if len(*raw) == 0 {
		*raw = json.RawMessage("[]")
	}
}
