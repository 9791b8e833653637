// Package migrations embeds the slurp schema and applies it with golang-migrate.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the filesystem holds no well-formed migration files.
	ErrNoMigrations = errors.New("no embedded migration files found")

	// ErrInvalidMigrationSet is returned when the migration files are unpaired, out of sequence or modified.
	ErrInvalidMigrationSet = errors.New("invalid migration set")
)

// Info contains parsed information about a migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// Embedded gives validated access to a set of migration files.
type Embedded struct {
	fs        fs.FS
	checksums map[string][32]byte
}

// NewEmbedded returns an Embedded over filesystem, or over the compiled-in schema when filesystem is nil.
func NewEmbedded(filesystem fs.FS) *Embedded {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &Embedded{fs: filesystem, checksums: make(map[string][32]byte)}
}

// FS returns the underlying filesystem.
func (e *Embedded) FS() fs.FS {
	return e.fs
}

// List returns the migration files that follow the naming standard, sorted lexicographically.
func (e *Embedded) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || !migrationFilenameRegex.MatchString(entry.Name()) {
			continue
		}

		files = append(files, entry.Name())
	}

	sort.Strings(files)

	return files, nil
}

// MaxSequence returns the highest migration sequence number, or 0.
func (e *Embedded) MaxSequence() int {
	files, err := e.List()
	if err != nil {
		return 0
	}

	highest := 0

	for _, f := range files {
		if info, err := parseFilename(f); err == nil && info.Sequence > highest {
			highest = info.Sequence
		}
	}

	return highest
}

// Validate checks pairing, sequence continuity and, after the first call, that no file changed.
func (e *Embedded) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, f := range files {
		info, err := parseFilename(f)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("%w: missing up migration for %s", ErrInvalidMigrationSet, key)
		}

		if !directions["down"] {
			return fmt.Errorf("%w: missing down migration for %s", ErrInvalidMigrationSet, key)
		}
	}

	for seq := 1; seq <= len(sequences); seq++ {
		if !sequences[seq] {
			return fmt.Errorf("%w: gap in migration sequence at %03d", ErrInvalidMigrationSet, seq)
		}
	}

	for _, f := range files {
		content, err := fs.ReadFile(e.fs, f)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", f, err)
		}

		sum := sha256.Sum256(content)
		if previous, seen := e.checksums[f]; seen && previous != sum {
			return fmt.Errorf("%w: checksum mismatch for %s", ErrInvalidMigrationSet, f)
		}

		e.checksums[f] = sum
	}

	return nil
}

func parseFilename(filename string) (*Info, error) {
	m := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(m) != 4 {
		return nil, fmt.Errorf("%w: bad filename %s (expected 001_name.up.sql)", ErrInvalidMigrationSet, filename)
	}

	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad sequence in %s", ErrInvalidMigrationSet, filename)
	}

	return &Info{Sequence: seq, Name: m[2], Direction: m[3], Filename: filename}, nil
}
