// Package imagecache mirrors product images onto local disk so the UI can
// render the catalog without network access. Files are content-addressed
// by product and source URL; a product whose image URL changes gets a new
// file and the old one is swept.
package imagecache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tillworks/offline-pos/internal/cache"
)

const dirName = "cached_images"

// ProductLister is the slice of the cache the image sync reads.
type ProductLister interface {
	ListProducts(ctx context.Context, f cache.ProductFilter) ([]*cache.Product, error)
}

// Cache downloads and sweeps product images under <baseDir>/cached_images.
type Cache struct {
	dir      string
	client   *http.Client
	products ProductLister
	logger   *slog.Logger
}

// Report summarizes one SyncAll pass.
type Report struct {
	Downloaded int
	Skipped    int
	Failed     int
	Swept      int
}

func New(baseDir string, client *http.Client, products ProductLister, logger *slog.Logger) *Cache {
	if client == nil {
		client = http.DefaultClient
	}

	return &Cache{
		dir:      filepath.Join(baseDir, dirName),
		client:   client,
		products: products,
		logger:   logger.With(slog.String("component", "imagecache")),
	}
}

// Dir returns the on-disk image directory.
func (c *Cache) Dir() string { return c.dir }

// FileName derives the stable local name for a product image:
// product_<id>_<md5(url)>.<ext>. The URL hash keys the file so a changed
// image URL never serves a stale file.
func FileName(productID, imageURL string) string {
	sum := md5.Sum([]byte(imageURL))

	ext := ".img"

	if u, err := url.Parse(imageURL); err == nil {
		if e := path.Ext(u.Path); e != "" && len(e) <= 5 {
			ext = strings.ToLower(e)
		}
	}

	return fmt.Sprintf("product_%s_%s%s", productID, hex.EncodeToString(sum[:]), ext)
}

// Path returns where a product image lives (or would live) on disk.
func (c *Cache) Path(productID, imageURL string) string {
	return filepath.Join(c.dir, FileName(productID, imageURL))
}

// SyncAll downloads every missing product image and sweeps files whose
// product or URL is no longer in the catalog. Download failures are
// logged and counted, not fatal: a missing image is cosmetic and the next
// pass retries it.
func (c *Cache) SyncAll(ctx context.Context) (*Report, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagecache: creating %s: %w", c.dir, err)
	}

	products, err := c.products.ListProducts(ctx, cache.ProductFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("imagecache: listing products: %w", err)
	}

	report := &Report{}
	want := make(map[string]bool)

	for _, p := range products {
		if p.ImageURL == "" {
			continue
		}

		name := FileName(p.ID, p.ImageURL)
		want[name] = true

		dest := filepath.Join(c.dir, name)

		if _, statErr := os.Stat(dest); statErr == nil {
			report.Skipped++
			continue
		}

		if err := ctx.Err(); err != nil {
			return report, err
		}

		if dlErr := c.download(ctx, p.ImageURL, dest); dlErr != nil {
			report.Failed++
			c.logger.Warn("image download failed",
				slog.String("product_id", p.ID),
				slog.String("error", dlErr.Error()))

			continue
		}

		report.Downloaded++
	}

	swept, err := c.sweep(want)
	if err != nil {
		return report, err
	}

	report.Swept = swept

	c.logger.Info("image cache synced",
		slog.Int("downloaded", report.Downloaded),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Int("swept", report.Swept))

	return report, nil
}

// download fetches to a temp file and renames into place so a torn
// download never shows up as a valid image.
func (c *Cache) download(ctx context.Context, imageURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: HTTP %d", imageURL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing image: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing image file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("placing image: %w", err)
	}

	return nil
}

// sweep removes product image files not in the want set. Temp files and
// anything not matching the product naming scheme are left alone.
func (c *Cache) sweep(want map[string]bool) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("imagecache: reading %s: %w", c.dir, err)
	}

	swept := 0

	for _, entry := range entries {
		name := entry.Name()

		if entry.IsDir() || !strings.HasPrefix(name, "product_") || want[name] {
			continue
		}

		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			c.logger.Warn("sweeping stale image failed",
				slog.String("file", name),
				slog.String("error", err.Error()))

			continue
		}

		swept++
	}

	return swept, nil
}
