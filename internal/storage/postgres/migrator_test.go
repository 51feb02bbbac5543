package postgres

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func migrationFiles(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[migrationsDir+"/"+name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func TestParseMigrations_SortsAndChecksums(t *testing.T) {
	set, err := parseMigrations(migrationFiles(map[string]string{
		"0002_more.up.sql":   "CREATE TABLE b (id INT);",
		"0002_more.down.sql": "DROP TABLE b;",
		"0001_init.up.sql":   "  CREATE TABLE a (id INT);\n",
		"0001_init.down.sql": "DROP TABLE a;",
	}))
	require.NoError(t, err)
	require.Len(t, set, 2)

	require.Equal(t, "0001_init", set[0].String())
	require.Equal(t, "CREATE TABLE a (id INT);", set[0].up)
	require.Equal(t, "0002_more", set[1].String())
	require.Len(t, set[0].checksum, 64)
	require.NotEqual(t, set[0].checksum, set[1].checksum)
}

func TestParseMigrations_Rejects(t *testing.T) {
	cases := map[string]struct {
		files   map[string]string
		message string
	}{
		"missing down": {
			files:   map[string]string{"0001_init.up.sql": "SELECT 1;"},
			message: "both up and down",
		},
		"bad file name": {
			files:   map[string]string{"init.sql": "SELECT 1;"},
			message: "invalid migration file name",
		},
		"blank body": {
			files:   map[string]string{"0001_init.up.sql": " \n", "0001_init.down.sql": "SELECT 1;"},
			message: "is empty",
		},
		"name clash": {
			files:   map[string]string{"0001_a.up.sql": "SELECT 1;", "0001_b.down.sql": "SELECT 1;"},
			message: "two names",
		},
		"no files": {
			files:   map[string]string{},
			message: "list migrations",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseMigrations(migrationFiles(tc.files))
			require.ErrorContains(t, err, tc.message)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	set, err := parseMigrations(migrationsFS)
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.Equal(t, "0001_catalog_orders", set[0].String())
	require.Equal(t, "0002_outbox_idempotency", set[1].String())
	require.Contains(t, set[0].up, "stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0)")
}

func testSet() migrationSet {
	return migrationSet{
		{version: 1, name: "one", checksum: "c1"},
		{version: 2, name: "two", checksum: "c2"},
		{version: 3, name: "three", checksum: "c3"},
	}
}

func versions(plan []migration) []int64 {
	out := make([]int64, 0, len(plan))
	for _, m := range plan {
		out = append(out, m.version)
	}
	return out
}

func TestPlanUp(t *testing.T) {
	set := testSet()

	plan, err := set.planUp(nil, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, versions(plan))

	plan, err = set.planUp(map[int64]string{1: "c1"}, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, versions(plan))

	// Записи без контрольной суммы не проверяются.
	plan, err = set.planUp(map[int64]string{1: "", 2: "c2", 3: "c3"}, 0)
	require.NoError(t, err)
	require.Empty(t, plan)

	_, err = set.planUp(map[int64]string{2: "edited"}, 0)
	require.ErrorIs(t, err, ErrMigrationDrift)
	require.ErrorContains(t, err, "0002_two")
}

func TestPlanDown(t *testing.T) {
	set := testSet()

	plan, err := set.planDown([]int64{3, 2, 1}, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, versions(plan))

	plan, err = set.planDown([]int64{2, 1}, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 1}, versions(plan))

	plan, err = set.planDown(nil, 1)
	require.NoError(t, err)
	require.Empty(t, plan)

	_, err = set.planDown([]int64{9, 3}, 1)
	require.ErrorContains(t, err, "unknown migration version 9")
}

func TestMigrationState_Pending(t *testing.T) {
	require.Equal(t, 1, MigrationState{Applied: 1, Available: 2}.Pending())
	require.Zero(t, MigrationState{Applied: 3, Available: 2}.Pending())
}

func TestMigrator_NilStore(t *testing.T) {
	var store *Store
	ctx := context.Background()

	require.ErrorIs(t, store.MigrateUp(ctx, 0), errStoreNotInitialized)
	require.ErrorIs(t, store.MigrateDown(ctx, 1), errStoreNotInitialized)
	_, err := store.MigrationStatus(ctx)
	require.ErrorIs(t, err, errStoreNotInitialized)
	require.ErrorIs(t, store.EnsureSchema(ctx), errStoreNotInitialized)
}
