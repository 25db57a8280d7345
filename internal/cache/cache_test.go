package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/tillworks/offline-pos/internal/store"
)

// fixedPairing satisfies PairingSource with constant identifiers.
type fixedPairing struct {
	tenant, location string
}

func (p fixedPairing) TenantLocation(context.Context) (string, string, error) {
	return p.tenant, p.location, nil
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return New(s.DB(), fixedPairing{tenant: "ten1", location: "loc1"}, logger)
}

func rawRows(t *testing.T, rows ...any) []json.RawMessage {
	t.Helper()

	out := make([]json.RawMessage, len(rows))

	for i, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshaling row %d: %v", i, err)
		}

		out[i] = b
	}

	return out
}

func TestUpsertDataset_RequiresVersion(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)

	err := c.UpsertDataset(context.Background(), DatasetTaxes,
		rawRows(t, Tax{ID: "t1", Name: "GST", Rate: "0.10"}), VersionInfo{})
	if err == nil {
		t.Fatal("missing version must be rejected")
	}
}

func TestUpsertDataset_VersionMonotonic(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	write := func(version, name string) {
		t.Helper()

		err := c.UpsertDataset(ctx, DatasetTaxes,
			rawRows(t, Tax{ID: "t1", Name: name, Rate: "0.10"}),
			VersionInfo{Version: version, RecordCount: 1})
		if err != nil {
			t.Fatalf("UpsertDataset %s: %v", version, err)
		}
	}

	write("2024-01-02T00:00:00Z", "newer")
	// Stale version: skipped, rows and cursor untouched.
	write("2024-01-01T00:00:00Z", "stale")

	version, err := c.Version(ctx, DatasetTaxes)
	if err != nil {
		t.Fatal(err)
	}

	if version != "2024-01-02T00:00:00Z" {
		t.Errorf("version = %q, want the maximum ever submitted", version)
	}

	taxes, err := c.ListTaxes(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(taxes) != 1 || taxes[0].Name != "newer" {
		t.Errorf("stale write must not change rows: %+v", taxes)
	}
}

func TestUpsertDataset_CursorForNextPull(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	err := c.UpsertDataset(ctx, DatasetProducts,
		rawRows(t, Product{ID: "p1", Name: "Coffee", Price: "4.50"}),
		VersionInfo{Version: "2024-01-01T00:00:00Z", RecordCount: 1})
	if err != nil {
		t.Fatalf("UpsertDataset: %v", err)
	}

	versions, err := c.Versions(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if versions[DatasetProducts] != "2024-01-01T00:00:00Z" {
		t.Errorf("cursor = %q, want submitted version", versions[DatasetProducts])
	}
}

func TestUpsertDataset_TenancyBackfill(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	err := c.UpsertDataset(ctx, DatasetProducts, rawRows(t,
		Product{ID: "p1", Name: "Local", Price: "1.00"},
		Product{ID: "p2", Name: "Foreign", Price: "2.00", TenantID: "other-tenant", LocationID: "other-loc"},
	), VersionInfo{Version: "2024-01-01T00:00:00Z", RecordCount: 2})
	if err != nil {
		t.Fatalf("UpsertDataset: %v", err)
	}

	p1, _ := c.GetProduct(ctx, "p1")
	if p1.TenantID != "ten1" || p1.LocationID != "loc1" {
		t.Errorf("p1 not back-filled: tenant=%q location=%q", p1.TenantID, p1.LocationID)
	}

	p2, _ := c.GetProduct(ctx, "p2")
	if p2.TenantID != "other-tenant" || p2.LocationID != "other-loc" {
		t.Errorf("foreign identifiers must be kept: tenant=%q location=%q", p2.TenantID, p2.LocationID)
	}
}

func TestUpsertCategories_OrphanSkipped(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	// S6: A (root), B (child of A), C (parent 99 does not exist).
	// Children listed before parents to force the multi-pass path.
	err := c.UpsertDataset(ctx, DatasetCategories, rawRows(t,
		Category{ID: "3", Name: "C", ParentID: "99"},
		Category{ID: "2", Name: "B", ParentID: "1"},
		Category{ID: "1", Name: "A"},
	), VersionInfo{Version: "2024-01-01T00:00:00Z", RecordCount: 3})
	if err != nil {
		t.Fatalf("UpsertDataset: %v", err)
	}

	cats, err := c.ListCategories(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(cats) != 2 {
		t.Fatalf("got %d categories, want 2 (orphan skipped)", len(cats))
	}

	for _, cat := range cats {
		if cat.ID == "3" {
			t.Error("orphan category C must not be inserted")
		}
	}

	// A later batch carrying the missing parent resurrects the subtree.
	err = c.UpsertDataset(ctx, DatasetCategories, rawRows(t,
		Category{ID: "99", Name: "Parent"},
		Category{ID: "3", Name: "C", ParentID: "99"},
	), VersionInfo{Version: "2024-01-02T00:00:00Z", RecordCount: 2})
	if err != nil {
		t.Fatal(err)
	}

	cat3, _ := c.GetCategory(ctx, "3")
	if cat3 == nil {
		t.Error("C should insert once its parent exists")
	}
}

func TestDeleteRecords_OnlyExplicitIDs(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	err := c.UpsertDataset(ctx, DatasetProducts, rawRows(t,
		Product{ID: "p1", Name: "Keep", Price: "1.00"},
		Product{ID: "p2", Name: "Drop", Price: "2.00"},
	), VersionInfo{Version: "2024-01-01T00:00:00Z", RecordCount: 2})
	if err != nil {
		t.Fatal(err)
	}

	err = c.DeleteRecords(ctx, DatasetProducts, []string{"p2", "p404"},
		VersionInfo{Version: "2024-01-02T00:00:00Z", DeletedCount: 1})
	if err != nil {
		t.Fatalf("DeleteRecords: %v", err)
	}

	if p, _ := c.GetProduct(ctx, "p2"); p != nil {
		t.Error("p2 should be deleted")
	}

	if p, _ := c.GetProduct(ctx, "p1"); p == nil {
		t.Error("p1 must survive")
	}

	version, _ := c.Version(ctx, DatasetProducts)
	if version != "2024-01-02T00:00:00Z" {
		t.Errorf("delete must advance cursor, got %q", version)
	}
}

func TestDeleteRecords_VersionMonotonic(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	err := c.UpsertDataset(ctx, DatasetProducts,
		rawRows(t, Product{ID: "p1", Name: "Keep", Price: "1.00"}),
		VersionInfo{Version: "2024-02-01T00:00:00Z", RecordCount: 1})
	if err != nil {
		t.Fatal(err)
	}

	// A delete batch replayed from before the last pull: skipped, cursor
	// and rows untouched.
	err = c.DeleteRecords(ctx, DatasetProducts, []string{"p1"},
		VersionInfo{Version: "2024-01-01T00:00:00Z", DeletedCount: 1})
	if err != nil {
		t.Fatalf("DeleteRecords: %v", err)
	}

	version, _ := c.Version(ctx, DatasetProducts)
	if version != "2024-02-01T00:00:00Z" {
		t.Errorf("stale delete must not rewind cursor, got %q", version)
	}

	if p, _ := c.GetProduct(ctx, "p1"); p == nil {
		t.Error("stale delete must not remove rows")
	}
}

func TestDeleteRecords_UnknownDataset(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)

	err := c.DeleteRecords(context.Background(), "pending_operations", []string{"x"},
		VersionInfo{Version: "2024-01-01T00:00:00Z"})
	if err == nil {
		t.Fatal("non-reference tables must be rejected")
	}
}

func TestGetProductByBarcode(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	rows := rawRows(t,
		Product{ID: "p1", Name: "Scan me", Price: "3.00", Barcode: "12345", IsActive: true},
		Product{ID: "p2", Name: "Retired", Price: "3.00", Barcode: "67890", IsActive: false},
	)

	err := c.UpsertDataset(ctx, DatasetProducts, rows,
		VersionInfo{Version: "2024-01-01T00:00:00Z", RecordCount: 2})
	if err != nil {
		t.Fatal(err)
	}

	p, err := c.GetProductByBarcode(ctx, "12345")
	if err != nil {
		t.Fatal(err)
	}

	if p == nil || p.ID != "p1" {
		t.Errorf("barcode lookup = %+v, want p1", p)
	}

	// Inactive products do not match.
	if p, _ := c.GetProductByBarcode(ctx, "67890"); p != nil {
		t.Error("inactive product must not match barcode lookup")
	}
}

func TestVerifyUserPIN(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	// sha256("1234")
	const pinHash = "03ac674216f3e15c761ee1a5e255f067953623c8b388b4459e13f978d7c846f4"

	err := c.UpsertDataset(ctx, DatasetUsers, rawRows(t,
		User{ID: "u1", Name: "Manager", Role: "manager", PINHash: pinHash, IsActive: true},
	), VersionInfo{Version: "2024-01-01T00:00:00Z", RecordCount: 1})
	if err != nil {
		t.Fatal(err)
	}

	u, err := c.VerifyUserPIN(ctx, "1234")
	if err != nil {
		t.Fatal(err)
	}

	if u == nil || u.ID != "u1" {
		t.Errorf("VerifyUserPIN = %+v, want u1", u)
	}

	if u, _ := c.VerifyUserPIN(ctx, "0000"); u != nil {
		t.Error("wrong PIN must not match")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := context.Background()

	for i, key := range []string{DatasetTaxes, DatasetProductTypes} {
		err := c.UpsertDataset(ctx, key,
			rawRows(t, map[string]string{"id": fmt.Sprintf("r%d", i), "name": "x"}),
			VersionInfo{Version: "2024-01-01T00:00:00Z", RecordCount: 1})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	versions, _ := c.Versions(ctx)
	if len(versions) != 0 {
		t.Errorf("cursors must be cleared, got %v", versions)
	}

	taxes, _ := c.ListTaxes(ctx)
	if len(taxes) != 0 {
		t.Errorf("rows must be cleared, got %d taxes", len(taxes))
	}
}
