// Package cache maintains the local replica of backend-owned reference
// data. Each dataset is written with upsert-many/delete-many calls inside a
// single transaction per call; the dataset's version cursor is written in
// that same transaction so rows and high-water mark can never diverge.
package cache

import "encoding/json"

// Dataset keys, in the fixed dependency order the sync engine pulls them.
// Parents before children: categories before products, products before
// stocks.
const (
	DatasetCategories         = "categories"
	DatasetProductTypes       = "product_types"
	DatasetTaxes              = "taxes"
	DatasetModifierSets       = "modifier_sets"
	DatasetUsers              = "users"
	DatasetProducts           = "products"
	DatasetDiscounts          = "discounts"
	DatasetInventoryLocations = "inventory_locations"
	DatasetInventoryStocks    = "inventory_stocks"
	DatasetSettings           = "settings"
)

// DatasetOrder is the pull order for a sync tick.
var DatasetOrder = []string{
	DatasetCategories,
	DatasetProductTypes,
	DatasetTaxes,
	DatasetModifierSets,
	DatasetUsers,
	DatasetProducts,
	DatasetDiscounts,
	DatasetInventoryLocations,
	DatasetInventoryStocks,
	DatasetSettings,
}

// VersionInfo accompanies every dataset write. Version is the backend's
// dataset version, an ISO-8601 timestamp used as the next modified_since
// cursor.
type VersionInfo struct {
	Version      string `json:"version"`
	RecordCount  int    `json:"record_count"`
	DeletedCount int    `json:"deleted_count"`
}

// DatasetVersion is a stored high-water mark row.
type DatasetVersion struct {
	Key          string `json:"key"`
	Version      string `json:"version"`
	SyncedAt     int64  `json:"synced_at"`
	RecordCount  int    `json:"record_count"`
	DeletedCount int    `json:"deleted_count"`
}

// Product is a sellable item. TaxIDs and ModifierSets stay as raw JSON:
// the backend owns their shape and the terminal only round-trips them.
type Product struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	LocationID     string          `json:"location_id"`
	ProductTypeID  string          `json:"product_type_id"`
	Name           string          `json:"name"`
	Price          string          `json:"price"`
	CategoryID     string          `json:"category_id"`
	Barcode        string          `json:"barcode"`
	ImageURL       string          `json:"image_url"`
	TrackInventory bool            `json:"track_inventory"`
	HasModifiers   bool            `json:"has_modifiers"`
	IsPublic       bool            `json:"is_public"`
	IsActive       bool            `json:"is_active"`
	TaxIDs         json.RawMessage `json:"tax_ids"`
	ModifierSets   json.RawMessage `json:"modifier_sets"`
	UpdatedAt      int64           `json:"updated_at"`
}

// Category is a nested-set tree node. ParentID of "" marks a root.
type Category struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	ParentID     string `json:"parent_id"`
	Left         int    `json:"lft"`
	Right        int    `json:"rgt"`
	Tree         int    `json:"tree"`
	Level        int    `json:"level"`
	DisplayOrder int    `json:"display_order"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ModifierSet configures option selection for a product.
type ModifierSet struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Name          string          `json:"name"`
	SelectionType string          `json:"selection_type"` // "single" or "multi"
	MinSelections int             `json:"min_selections"`
	MaxSelections int             `json:"max_selections"`
	TriggerOption string          `json:"trigger_option"`
	Options       json.RawMessage `json:"options"`
	UpdatedAt     int64           `json:"updated_at"`
}

// Discount is a promotion rule.
type Discount struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`  // "percentage", "fixed", "bogo"
	Scope       string          `json:"scope"` // "order", "product", "category"
	Value       string          `json:"value"`
	Code        string          `json:"code"`
	StartsAt    int64           `json:"starts_at"`
	EndsAt      int64           `json:"ends_at"`
	MinPurchase string          `json:"min_purchase"`
	MinQuantity int             `json:"min_quantity"`
	AppliesTo   json.RawMessage `json:"applies_to"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Tax is a tax rate.
type Tax struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	Rate      string `json:"rate"`
	UpdatedAt int64  `json:"updated_at"`
}

// ProductType groups products for reporting.
type ProductType struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	UpdatedAt int64  `json:"updated_at"`
}

// InventoryLocation is a stock-holding location.
type InventoryLocation struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	UpdatedAt int64  `json:"updated_at"`
}

// InventoryStock is the on-hand quantity of a product at a location.
type InventoryStock struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Quantity   string `json:"quantity"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Setting is one store-settings key. Exposure caps arrive through these.
type Setting struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"`
}

// User is a POS staff member. PINHash is the backend's hash of the login
// PIN; the terminal never sees the cleartext.
type User struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	LocationID string `json:"location_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	PINHash    string `json:"pin_hash"`
	IsActive   bool   `json:"is_active"`
	UpdatedAt  int64  `json:"updated_at"`
}
