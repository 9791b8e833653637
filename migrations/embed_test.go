package migrations

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSchema(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	e := NewEmbedded(nil)

	files, err := e.List()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_production_schema.down.sql",
		"001_production_schema.up.sql",
		"002_file_catalog.down.sql",
		"002_file_catalog.up.sql",
	}, files)

	require.NoError(t, e.Validate())
	assert.Equal(t, 2, e.MaxSequence())
}

func TestEmbeddedValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sql := &fstest.MapFile{Data: []byte("SELECT 1;")}

	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr error
	}{
		{
			name:  "paired and sequential",
			files: fstest.MapFS{"001_a.up.sql": sql, "001_a.down.sql": sql, "002_b.up.sql": sql, "002_b.down.sql": sql},
		},
		{
			name:    "empty",
			files:   fstest.MapFS{"README.md": sql},
			wantErr: ErrNoMigrations,
		},
		{
			name:    "missing down",
			files:   fstest.MapFS{"001_a.up.sql": sql},
			wantErr: ErrInvalidMigrationSet,
		},
		{
			name:    "gap in sequence",
			files:   fstest.MapFS{"001_a.up.sql": sql, "001_a.down.sql": sql, "003_c.up.sql": sql, "003_c.down.sql": sql},
			wantErr: ErrInvalidMigrationSet,
		},
		{
			name:  "badly named files are ignored",
			files: fstest.MapFS{"001_a.up.sql": sql, "001_a.down.sql": sql, "1_bad.up.sql": sql},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEmbedded(tt.files).Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestEmbeddedDetectsModifiedFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files := fstest.MapFS{
		"001_a.up.sql":   {Data: []byte("CREATE TABLE a (id int);")},
		"001_a.down.sql": {Data: []byte("DROP TABLE a;")},
	}

	e := NewEmbedded(files)
	require.NoError(t, e.Validate())

	files["001_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id bigint);")}

	err := e.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMigrationSet)
}
