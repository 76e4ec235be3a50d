// Package asset holds the static data files the bot serves from, loaded as a
// single catalog that can be swapped atomically on reload. Like config.Config,
// a Catalog relies on resource.Coordinator for mutual exclusion.
package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	ferrors "github.com/mirkobrombin/go-fazbot/v1/errors"
)

// ErrNotFound is returned when an asset name is not in the catalog.
var ErrNotFound = errors.New("asset not found")

// Source yields every asset keyed by slash-separated name.
type Source interface {
	Read(ctx context.Context) (map[string][]byte, error)
}

// DirSource reads every regular file below FS.
type DirSource struct {
	FS fs.FS
}

// NewDirSource returns a DirSource rooted at dir on the local filesystem.
func NewDirSource(dir string) DirSource {
	return DirSource{FS: os.DirFS(dir)}
}

// Read implements Source.
func (s DirSource) Read(ctx context.Context) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := fs.WalkDir(s.FS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		b, err := fs.ReadFile(s.FS, p)
		if err != nil {
			return err
		}
		files[p] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Catalog is the reloadable asset resource.
type Catalog struct {
	source  Source
	logger  *slog.Logger
	files   map[string][]byte
	version uint64
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger used to report reloads.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns an empty catalog backed by source.
func New(source Source, opts ...Option) *Catalog {
	c := &Catalog{source: source, logger: slog.Default(), files: map[string][]byte{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns a catalog that has been read once.
func Load(ctx context.Context, source Source, opts ...Option) (*Catalog, error) {
	c := New(source, opts...)
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload reads every asset and validates the structured ones. The catalog is
// replaced only if all of them parse; otherwise the previous catalog stays and
// the error wraps ErrResourceReload.
func (c *Catalog) Reload(ctx context.Context) error {
	files, err := c.source.Read(ctx)
	if err != nil {
		return fmt.Errorf("%w: asset: %w", ferrors.ErrResourceReload, err)
	}
	var errs []error
	for name, b := range files {
		var v any
		if err := decode(name, b, &v); err != nil && !errors.Is(err, errUnstructured) {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("fazbot: asset reload rejected", "error", err)
		return fmt.Errorf("%w: asset: %w", ferrors.ErrResourceReload, err)
	}
	c.files = files
	c.version++
	c.logger.Debug("fazbot: assets reloaded", "count", len(files), "version", c.version)
	return nil
}

// Get returns a copy of the named asset.
func (c *Catalog) Get(name string) ([]byte, error) {
	b, ok := c.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Names lists the asset names in lexical order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.files))
	for n := range c.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Decode unmarshals a JSON or YAML asset into v, chosen by file extension.
func (c *Catalog) Decode(name string, v any) error {
	b, ok := c.files[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return decode(name, b, v)
}

// Version counts successful reloads.
func (c *Catalog) Version() uint64 {
	return c.version
}

var errUnstructured = errors.New("asset is not structured")

func decode(name string, b []byte, v any) error {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return json.Unmarshal(b, v)
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, v)
	default:
		return fmt.Errorf("%w: %s", errUnstructured, name)
	}
}
