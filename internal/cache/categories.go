package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

const sqlUpsertCategory = `INSERT INTO categories
	(id, tenant_id, name, parent_id, lft, rgt, tree, level, display_order, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id     = excluded.tenant_id,
		name          = excluded.name,
		parent_id     = excluded.parent_id,
		lft           = excluded.lft,
		rgt           = excluded.rgt,
		tree          = excluded.tree,
		level         = excluded.level,
		display_order = excluded.display_order,
		updated_at    = excluded.updated_at`

// upsertCategories inserts a category batch hierarchy-aware: parents land
// before children via multi-pass insertion. A node whose parent is neither
// in the batch nor already cached is a verified orphan: skipped with a
// log, never inserted. A pass that makes no progress means the remaining
// nodes form a cycle (or all orphans); they are skipped the same way.
func (c *Cache) upsertCategories(ctx context.Context, tx *sql.Tx, rows []json.RawMessage, tenantID string) error {
	pending := make([]Category, 0, len(rows))

	for i, raw := range rows {
		var cat Category
		if err := json.Unmarshal(raw, &cat); err != nil {
			return fmt.Errorf("cache: decoding category %d: %w", i, err)
		}

		fill(&cat.TenantID, tenantID)
		pending = append(pending, cat)
	}

	// IDs resolvable as parents: everything already in the table plus
	// whatever this batch inserts as it goes.
	known, err := knownCategoryIDs(ctx, tx)
	if err != nil {
		return err
	}

	for len(pending) > 0 {
		var next []Category

		progress := false

		for _, cat := range pending {
			if cat.ParentID != "" && !known[cat.ParentID] {
				next = append(next, cat)
				continue
			}

			if _, execErr := tx.ExecContext(ctx, sqlUpsertCategory,
				cat.ID, cat.TenantID, cat.Name, cat.ParentID,
				cat.Left, cat.Right, cat.Tree, cat.Level,
				cat.DisplayOrder, cat.UpdatedAt); execErr != nil {
				return fmt.Errorf("cache: upsert category %s: %w", cat.ID, execErr)
			}

			known[cat.ID] = true
			progress = true
		}

		if !progress {
			// No pass progress: every remaining node is an orphan or part
			// of a parent cycle. Skip them; a later delta carrying the
			// parent will resurrect the subtree.
			for _, cat := range next {
				c.logger.Warn("cache: skipping orphan category",
					slog.String("id", cat.ID),
					slog.String("parent_id", cat.ParentID),
				)
			}

			return nil
		}

		pending = next
	}

	return nil
}

// knownCategoryIDs loads the IDs already present in the categories table.
func knownCategoryIDs(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM categories`)
	if err != nil {
		return nil, fmt.Errorf("cache: listing category ids: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)

	for rows.Next() {
		var id string

		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cache: scan category id: %w", err)
		}

		known[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate category ids: %w", err)
	}

	return known, nil
}

const sqlCategoryColumns = `id, tenant_id, name, parent_id, lft, rgt, tree, level, display_order, updated_at`

// ListCategories returns all cached categories in nested-set traversal
// order (tree, then left boundary).
func (c *Cache) ListCategories(ctx context.Context) ([]*Category, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+sqlCategoryColumns+` FROM categories ORDER BY tree, lft, display_order`)
	if err != nil {
		return nil, fmt.Errorf("cache: list categories: %w", err)
	}
	defer rows.Close()

	var cats []*Category

	for rows.Next() {
		cat, scanErr := scanCategory(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		cats = append(cats, cat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: iterate categories: %w", err)
	}

	return cats, nil
}

// GetCategory returns one category by ID, or (nil, nil) when absent.
func (c *Cache) GetCategory(ctx context.Context, id string) (*Category, error) {
	cat, err := scanCategory(c.db.QueryRowContext(ctx,
		`SELECT `+sqlCategoryColumns+` FROM categories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("cache: get category %s: %w", id, err)
	}

	return cat, nil
}

func scanCategory(row interface{ Scan(...any) error }) (*Category, error) {
	cat := &Category{}

	err := row.Scan(
		&cat.ID, &cat.TenantID, &cat.Name, &cat.ParentID,
		&cat.Left, &cat.Right, &cat.Tree, &cat.Level,
		&cat.DisplayOrder, &cat.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return cat, nil
}
