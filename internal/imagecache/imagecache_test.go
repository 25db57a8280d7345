package imagecache

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tillworks/offline-pos/internal/cache"
)

type staticProducts struct {
	products []*cache.Product
}

func (s *staticProducts) ListProducts(context.Context, cache.ProductFilter) ([]*cache.Product, error) {
	return s.products, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()

	var names []string

	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			names = append(names, d.Name())
		}

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	return names
}

func TestFileName_StableAndExtensionAware(t *testing.T) {
	t.Parallel()

	a := FileName("p1", "https://cdn.example.com/images/coffee.png?v=3")
	b := FileName("p1", "https://cdn.example.com/images/coffee.png?v=3")

	if a != b {
		t.Errorf("name not stable: %s vs %s", a, b)
	}

	if !strings.HasPrefix(a, "product_p1_") || !strings.HasSuffix(a, ".png") {
		t.Errorf("name = %s, want product_p1_<hash>.png", a)
	}

	// A changed URL produces a different file.
	c := FileName("p1", "https://cdn.example.com/images/coffee-v2.png")
	if c == a {
		t.Error("different URLs must map to different files")
	}

	// No usable extension falls back to .img.
	d := FileName("p2", "https://cdn.example.com/img")
	if !strings.HasSuffix(d, ".img") {
		t.Errorf("name = %s, want .img fallback", d)
	}
}

func TestSyncAll_DownloadsSkipsAndSweeps(t *testing.T) {
	t.Parallel()

	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("image-bytes:" + r.URL.Path))
	}))
	defer srv.Close()

	products := &staticProducts{products: []*cache.Product{
		{ID: "p1", ImageURL: srv.URL + "/coffee.png"},
		{ID: "p2", ImageURL: srv.URL + "/tea.jpg"},
		{ID: "p3"},
	}}

	base := t.TempDir()
	c := New(base, srv.Client(), products, discardLogger())

	ctx := context.Background()

	report, err := c.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if report.Downloaded != 2 || report.Skipped != 0 || report.Failed != 0 {
		t.Errorf("first pass = %+v, want 2 downloads", report)
	}

	data, err := os.ReadFile(c.Path("p1", srv.URL+"/coffee.png"))
	if err != nil {
		t.Fatal(err)
	}

	if string(data) != "image-bytes:/coffee.png" {
		t.Errorf("image content = %q", data)
	}

	// Second pass downloads nothing.
	report, err = c.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if report.Downloaded != 0 || report.Skipped != 2 {
		t.Errorf("second pass = %+v, want all skipped", report)
	}

	if hits != 2 {
		t.Errorf("server hits = %d, want 2", hits)
	}

	// Dropping a product sweeps its image; an unrelated file survives.
	stray := filepath.Join(c.Dir(), "notes.txt")
	if err := os.WriteFile(stray, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	products.products = products.products[:1]

	report, err = c.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if report.Swept != 1 {
		t.Errorf("swept = %d, want 1", report.Swept)
	}

	names := listFiles(t, c.Dir())
	if len(names) != 2 {
		t.Errorf("files after sweep = %v", names)
	}

	if _, err := os.Stat(stray); err != nil {
		t.Error("unrelated file must survive the sweep")
	}
}

func TestSyncAll_FailedDownloadCountedNotFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "broken") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	products := &staticProducts{products: []*cache.Product{
		{ID: "p1", ImageURL: srv.URL + "/fine.png"},
		{ID: "p2", ImageURL: srv.URL + "/broken.png"},
	}}

	c := New(t.TempDir(), srv.Client(), products, discardLogger())

	report, err := c.SyncAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.Downloaded != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want 1 downloaded 1 failed", report)
	}

	// No torn temp file left behind for the failure.
	for _, name := range listFiles(t, c.Dir()) {
		if strings.HasPrefix(name, ".download-") {
			t.Errorf("temp file %s left behind", name)
		}
	}
}
