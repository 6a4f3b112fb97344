package catalog

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	"github.com/iceball/predictor/internal/model"
)

// LabelsFile marks the root of an extracted model.
const LabelsFile = "labels.csv"

// DefaultModelsDir returns the models folder in the user cache directory.
func DefaultModelsDir() (string, error) {
	d, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving models directory: %w", err)
	}
	return filepath.Join(d, "iceball", "models"), nil
}

// LocalPath returns the directory of the extracted model id, downloading it
// first when it is not present in the cache.
func (c *Catalog) LocalPath(ctx context.Context, id string) (string, error) {
	d, err := c.Resolve(id)
	if err != nil {
		return "", err
	}

	c.downloadMx.Lock()
	defer c.downloadMx.Unlock()

	modelRoot := filepath.Join(c.dir, d.ID)
	if p, err := findMarker(modelRoot); err == nil {
		return p, nil
	}

	if err := c.download(ctx, d, modelRoot); err != nil {
		return "", err
	}
	p, err := findMarker(modelRoot)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found in %s", model.ErrExtraction, LabelsFile, d.URL)
	}
	return p, nil
}

// Download fetches model id even if a copy is already cached.
func (c *Catalog) Download(ctx context.Context, id string) (string, error) {
	d, err := c.Resolve(id)
	if err != nil {
		return "", err
	}
	c.downloadMx.Lock()
	defer c.downloadMx.Unlock()
	modelRoot := filepath.Join(c.dir, d.ID)
	if err := c.download(ctx, d, modelRoot); err != nil {
		return "", err
	}
	p, err := findMarker(modelRoot)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found in %s", model.ErrExtraction, LabelsFile, d.URL)
	}
	return p, nil
}

// DeleteAll removes every downloaded model.
func (c *Catalog) DeleteAll() error {
	c.downloadMx.Lock()
	defer c.downloadMx.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("removing models directory: %w", err)
	}
	return nil
}

// findMarker returns the directory containing the labels file anywhere
// below dir.
func findMarker(dir string) (string, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", err
	}
	defer root.Close()

	var found string
	err = fs.WalkDir(root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == LabelsFile {
			found = filepath.Join(dir, filepath.FromSlash(path.Dir(p)))
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fs.ErrNotExist
	}
	return found, nil
}

func (c *Catalog) download(ctx context.Context, d Descriptor, modelRoot string) error {
	tmp, err := os.MkdirTemp("", "iceball-download-*")
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrDownload, err)
	}
	if !c.keepTemp {
		defer os.RemoveAll(tmp)
	}
	archive := filepath.Join(tmp, "model.zip")

	slog.InfoContext(ctx, "downloading model", "model", d.ID, "url", d.URL)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	op := func() error {
		return c.fetch(ctx, d.URL, archive)
	}
	notify := func(err error, next time.Duration) {
		slog.WarnContext(ctx, "download failed, retrying", "model", d.ID, "error", err, "next", next)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.retries, 0))), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrDownload, d.URL, err)
	}

	slog.InfoContext(ctx, "extracting model", "model", d.ID, "dir", modelRoot)
	if err := extract(archive, modelRoot); err != nil {
		_ = os.RemoveAll(modelRoot)
		return err
	}
	return nil
}

func (c *Catalog) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status code %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	f, err := os.Create(dest)
	if err != nil {
		return backoff.Permanent(err)
	}
	pw := &progressWriter{
		ctx:     ctx,
		total:   resp.ContentLength,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	_, err = io.Copy(io.MultiWriter(f, pw), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "download finished", "bytes", pw.written)
	return nil
}

// progressWriter logs download progress in whole percents, at most once a
// second.
type progressWriter struct {
	ctx     context.Context
	total   int64
	written int64
	percent int64
	limiter *rate.Limiter
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total <= 0 {
		return len(b), nil
	}
	percent := p.written * 100 / p.total
	if percent > p.percent && (percent == 100 || p.limiter.Allow()) {
		p.percent = percent
		slog.InfoContext(p.ctx, "downloading model", "percent", percent)
	}
	return len(b), nil
}

func extract(archive, dest string) error {
	mt, err := mimetype.DetectFile(archive)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrExtraction, err)
	}
	if !mt.Is("application/zip") {
		return fmt.Errorf("%w: expected zip archive, got %s", model.ErrExtraction, mt.String())
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrExtraction, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("%w: %w", model.ErrExtraction, err)
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrExtraction, err)
	}
	defer root.Close()

	for _, zf := range zr.File {
		if !filepath.IsLocal(zf.Name) {
			return fmt.Errorf("%w: illegal file path in archive: %s", model.ErrExtraction, zf.Name)
		}
		if err := extractFile(root, zf); err != nil {
			return fmt.Errorf("%w: %s: %w", model.ErrExtraction, zf.Name, err)
		}
	}
	return nil
}

func extractFile(root *os.Root, zf *zip.File) error {
	name := filepath.FromSlash(zf.Name)
	if zf.FileInfo().IsDir() {
		return root.MkdirAll(name, 0o755)
	}
	if err := root.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := root.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, rc)
	return errors.Join(err, out.Close())
}
