package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMySQLFlavorTranslatesUpsertSyntax(t *testing.T) {
	query := `
		insert into oauth_state (key, blob, expiry) values ($1, $2, $3)
		on conflict (key) do update set blob = excluded.blob, expiry = excluded.expiry;
	`
	got := flavorMySQL.translate(query)
	assert.Contains(t, got, "values (?, ?, ?)")
	assert.Contains(t, got, "on duplicate key update")
	assert.Contains(t, got, "blob = values(blob)")
	assert.Contains(t, got, "expiry = values(expiry)")
	assert.NotContains(t, got, "on conflict")
	assert.NotContains(t, got, "excluded.")
}

func TestMySQLFlavorTranslatesMultiColumnUpsert(t *testing.T) {
	query := `
		insert into user_account (user_id, email) values ($1, $2)
		on conflict (user_id) do update set email = excluded.email, updated_at = excluded.updated_at;
	`
	got := flavorMySQL.translate(query)
	assert.Contains(t, got, "on duplicate key update")
	assert.Contains(t, got, "email = values(email)")
	assert.Contains(t, got, "updated_at = values(updated_at)")
}

func TestPostgresFlavorLeavesUpsertSyntaxUnchanged(t *testing.T) {
	query := `insert into oauth_state (key, blob) values ($1, $2) on conflict (key) do update set blob = excluded.blob;`
	assert.Equal(t, query, flavorPostgres.translate(query))
}
