// Package catalog reads the file catalog: input rows for rules, existing outputs and the
// logical to physical file name mapping. Every statement goes through the read-only path.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sphenix-prod/slurp/internal/rule"
	"github.com/sphenix-prod/slurp/internal/storage"
)

var (
	// ErrQueryFailed wraps failures of catalog statements.
	ErrQueryFailed = errors.New("catalog query failed")

	// ErrMissingColumn is returned when an input query lacks a required column.
	ErrMissingColumn = errors.New("input query result is missing a required column")

	// ErrBadValue is returned when a column value cannot be converted.
	ErrBadValue = errors.New("unexpected catalog value")
)

// requiredColumns must be present in every rule input query.
var requiredColumns = []string{"runnumber", "segment", "files"}

// DatasetKey names one (dsttype, dataset) pair of the datasets table.
type DatasetKey struct {
	DstType string
	Dataset string
}

// Catalog is one named catalog connection.
type Catalog struct {
	name   string
	conn   *storage.Connection
	logger *slog.Logger
}

// New wraps conn as the catalog called name.
func New(name string, conn *storage.Connection, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	return &Catalog{name: name, conn: conn, logger: logger}
}

// Name is the connection name the catalog was registered under.
func (c *Catalog) Name() string {
	return c.name
}

// Candidates runs a rule input query. Columns are located by name; runnumber, segment and
// files are required, the rest (source, fileranges, streamname, streamfile, firstevent,
// lastevent, runs_last_event, neventsper) are optional.
func (c *Catalog) Candidates(ctx context.Context, query string) ([]rule.Candidate, error) {
	rows, err := c.conn.ReadQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailed, c.name, err)
	}

	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailed, c.name, err)
	}

	index := make(map[string]int, len(columns))
	for i, col := range columns {
		index[strings.ToLower(col)] = i
	}

	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	var out []rule.Candidate

	values := make([]any, len(columns))
	dest := make([]any, len(columns))

	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailed, c.name, err)
		}

		cand, err := candidateFrom(index, values)
		if err != nil {
			return nil, err
		}

		out = append(out, cand)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailed, c.name, err)
	}

	return out, nil
}

func candidateFrom(index map[string]int, values []any) (rule.Candidate, error) {
	var (
		c    rule.Candidate
		errs []error
	)

	str := func(col string) string {
		i, ok := index[col]
		if !ok {
			return ""
		}

		return asString(values[i])
	}

	num := func(col string) int {
		i, ok := index[col]
		if !ok || values[i] == nil {
			return 0
		}

		n, err := asInt(values[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: column %s: %w", ErrBadValue, col, err))
		}

		return n
	}

	c.Run = num("runnumber")
	c.Segment = num("segment")
	c.Inputs = strings.Fields(str("files"))
	c.Ranges = strings.Fields(str("fileranges"))
	c.Source = str("source")
	c.StreamName = str("streamname")
	c.StreamFile = str("streamfile")
	c.FirstEvent = num("firstevent")
	c.LastEvent = num("lastevent")
	c.RunsLastEvent = num("runs_last_event")
	c.NEventsPer = num("neventsper")

	return c, errors.Join(errs...)
}

// ExistingOutputs returns the filenames registered for the given datasets in [runMin, runMax].
func (c *Catalog) ExistingOutputs(ctx context.Context, keys []DatasetKey, runMin, runMax int) (map[string]struct{}, error) {
	out := make(map[string]struct{})

	for _, k := range keys {
		err := c.each(ctx, func(rows *sql.Rows) error {
			var (
				filename     string
				run, segment int
			)

			if err := rows.Scan(&filename, &run, &segment); err != nil {
				return err
			}

			out[filename] = struct{}{}

			return nil
		}, `SELECT filename, runnumber, segment FROM datasets
			WHERE runnumber >= $1 AND runnumber <= $2 AND dsttype = $3 AND dataset = $4`,
			runMin, runMax, k.DstType, k.Dataset)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info("Loaded existing outputs",
		slog.String("catalog", c.name),
		slog.Int("datasets", len(keys)),
		slog.Int("outputs", len(out)))

	return out, nil
}

// Resolve maps logical to physical file names for the given input datasets in
// [runMin, runMax]. Only the referenced datasets are consulted.
func (c *Catalog) Resolve(ctx context.Context, keys []DatasetKey, runMin, runMax int) (map[string]string, error) {
	lfn2pfn := make(map[string]string)

	for _, k := range keys {
		err := c.each(ctx, func(rows *sql.Rows) error {
			var lfn, pfn string
			if err := rows.Scan(&lfn, &pfn); err != nil {
				return err
			}

			lfn2pfn[lfn] = pfn

			return nil
		}, `SELECT f.lfn, f.full_file_path FROM datasets d
			JOIN files f ON d.filename = f.lfn
			WHERE d.runnumber >= $1 AND d.runnumber <= $2 AND d.dataset = $3 AND d.dsttype = $4
			ORDER BY f.lfn, f.full_file_path`,
			runMin, runMax, k.Dataset, k.DstType)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info("Built lfn to pfn map from catalog",
		slog.String("catalog", c.name),
		slog.Int("datasets", len(keys)),
		slog.Int("files", len(lfn2pfn)))

	return lfn2pfn, nil
}

// RunList returns the runs selected by a run list query. The first column is the run number.
func (c *Catalog) RunList(ctx context.Context, query string) (map[int]struct{}, error) {
	runs := make(map[int]struct{})

	err := c.each(ctx, func(rows *sql.Rows) error {
		columns, err := rows.Columns()
		if err != nil {
			return err
		}

		values := make([]any, len(columns))
		dest := make([]any, len(columns))

		for i := range values {
			dest[i] = &values[i]
		}

		if err := rows.Scan(dest...); err != nil {
			return err
		}

		run, err := asInt(values[0])
		if err != nil {
			return fmt.Errorf("%w: run list: %w", ErrBadValue, err)
		}

		runs[run] = struct{}{}

		return nil
	}, query)
	if err != nil {
		return nil, err
	}

	return runs, nil
}

func (c *Catalog) each(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	rows, err := c.conn.ReadQuery(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrQueryFailed, c.name, err)
	}

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrQueryFailed, c.name, err)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrQueryFailed, c.name, err)
	}

	return nil
}

// ResolveDirect maps every file directly under dir (which may itself be a glob) by basename.
// Later duplicates replace earlier ones.
func ResolveDirect(dir string) (map[string]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return nil, fmt.Errorf("%w: direct path %q: %w", ErrQueryFailed, dir, err)
	}

	lfn2pfn := make(map[string]string, len(matches))
	for _, pfn := range matches {
		lfn2pfn[filepath.Base(pfn)] = pfn
	}

	return lfn2pfn, nil
}

// InputDatasets extracts the datasets referenced by the input files of cands. Files whose
// names do not follow the DST convention are ignored.
func InputDatasets(cands []rule.Candidate) []DatasetKey {
	seen := make(map[DatasetKey]struct{})

	var keys []DatasetKey

	for _, c := range cands {
		for _, f := range c.Inputs {
			base, _, _ := strings.Cut(filepath.Base(f), "-")

			dstType, dataset, ok := rule.ParseDataset(base)
			if !ok {
				continue
			}

			k := DatasetKey{DstType: dstType, Dataset: dataset}
			if _, dup := seen[k]; dup {
				continue
			}

			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	return keys
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func asInt(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case int32:
		return int(x), nil
	case int:
		return x, nil
	case float64:
		return int(x), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(x))
	case []byte:
		return strconv.Atoi(strings.TrimSpace(string(x)))
	default:
		return 0, fmt.Errorf("%T", v)
	}
}
