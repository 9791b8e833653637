package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sphenix-prod/slurp/internal/storage"
)

// Canonical connection names.
const (
	FileCatalog = "filecatalog"
	DAQ         = "daq"
	Raw         = "raw"
)

var (
	// ErrUnknownCatalog is returned for a connection name that is not defined.
	ErrUnknownCatalog = errors.New("unknown catalog connection")

	// ErrCatalogNotConfigured is returned when a known connection has no URL.
	ErrCatalogNotConfigured = errors.New("catalog connection is not configured")
)

// aliases maps every accepted connection name to its canonical name.
var aliases = map[string]string{
	"filecatalog": FileCatalog,
	"fc":          FileCatalog,
	"fccro":       FileCatalog,
	"daq":         DAQ,
	"daqdb":       DAQ,
	"raw":         Raw,
	"rawdr":       Raw,
}

// envPrefixes are the environment variable prefixes of each canonical connection.
var envPrefixes = map[string]string{
	FileCatalog: "CATALOG_DATABASE",
	DAQ:         "DAQ_DATABASE",
	Raw:         "RAW_DATABASE",
}

// Canonical returns the canonical name for an alias.
func Canonical(name string) (string, error) {
	c, ok := aliases[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCatalog, name)
	}

	return c, nil
}

// Registry opens catalog connections lazily by name and keeps them for the invocation.
type Registry struct {
	mu       sync.Mutex
	configs  map[string]*storage.Config
	catalogs map[string]*Catalog
	logger   *slog.Logger
}

// LoadRegistry reads the catalog connections from the environment. When
// CATALOG_DATABASE_URL is unset the file catalog falls back to the status database,
// which carries the catalog tables on testbeds.
func LoadRegistry(logger *slog.Logger) *Registry {
	configs := make(map[string]*storage.Config, len(envPrefixes))
	for name, prefix := range envPrefixes {
		configs[name] = storage.LoadConfigWithPrefix(prefix)
	}

	if !configs[FileCatalog].Configured() {
		configs[FileCatalog] = storage.LoadConfig()
	}

	return NewRegistry(configs, logger)
}

// NewRegistry returns a registry over configs keyed by canonical name.
func NewRegistry(configs map[string]*storage.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		configs:  configs,
		catalogs: make(map[string]*Catalog),
		logger:   logger,
	}
}

// Register installs an open catalog under name, replacing any configuration for it.
func (r *Registry) Register(name string, c *Catalog) error {
	canonical, err := Canonical(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.catalogs[canonical] = c

	return nil
}

// Get returns the catalog for name, opening it on first use.
func (r *Registry) Get(ctx context.Context, name string) (*Catalog, error) {
	canonical, err := Canonical(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.catalogs[canonical]; ok {
		return c, nil
	}

	cfg, ok := r.configs[canonical]
	if !ok || !cfg.Configured() {
		return nil, fmt.Errorf("%w: %s (set %s_URL)", ErrCatalogNotConfigured, canonical, envPrefixes[canonical])
	}

	conn, err := storage.Open(ctx, cfg, r.logger)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Opened catalog connection",
		slog.String("catalog", canonical),
		slog.String("driver", cfg.Driver),
		slog.String("database", cfg.MaskDatabaseURL()))

	c := New(canonical, conn, r.logger)
	r.catalogs[canonical] = c

	return c, nil
}

// Close closes every connection the registry opened.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.catalogs))
	for name := range r.catalogs {
		names = append(names, name)
	}

	sort.Strings(names)

	var errs []error

	for _, name := range names {
		if err := r.catalogs[name].conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}

	r.catalogs = make(map[string]*Catalog)

	return errors.Join(errs...)
}
