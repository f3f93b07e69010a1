package pg

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
)

func TestMigrate_MissingDirectory(t *testing.T) {
	fsys := fstest.MapFS{"migrations/1_x.up.sql": {Data: []byte("SELECT 1;")}}

	_, err := Migrate("postgres://u:p@127.0.0.1:1/db?sslmode=disable", fsys, "nope")
	assert.Error(t, err)
}

func TestMigrate_UnreachableDatabase(t *testing.T) {
	fsys := fstest.MapFS{"migrations/1_x.up.sql": {Data: []byte("SELECT 1;")}}

	_, err := Migrate("postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1", fsys, "migrations")
	assert.Error(t, err)
}
