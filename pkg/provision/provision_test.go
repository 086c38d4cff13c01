package provision

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(migrations, migrationsDir+"/*.sql")
	require.NoError(t, err)
	require.Len(t, files, len(Tables))

	for i, name := range files {
		data, err := fs.ReadFile(migrations, name)
		require.NoError(t, err)
		body := string(data)
		assert.Contains(t, body, "-- +goose Up", name)
		assert.Contains(t, body, "-- +goose Down", name)
		assert.Contains(t, body, "CREATE TABLE IF NOT EXISTS "+Tables[i], name)
	}
}

func TestSalesHasGeneratedTotal(t *testing.T) {
	data, err := fs.ReadFile(migrations, migrationsDir+"/00003_create_sales.sql")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "GENERATED ALWAYS AS (quantity * price) STORED"))
	assert.Contains(t, string(data), "REFERENCES customers")
	assert.Contains(t, string(data), "REFERENCES products")
}
