package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildListQuery_BasicSelect(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("etl_load_history"))
	assert.Equal(t, `SELECT * FROM "etl_load_history"`, query)
	assert.Empty(t, args)
}

func TestBuildListQuery_SkipsEmptyStringFilters(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("etl_load_history",
		WithSelect("id, status"),
		WithCondition(WhereCond("session_id", Equal, "")),
		WithCondition(WhereCond("target_table", Equal, "orders")),
		WithCondition(WhereCond("status", Equal, "completed")),
		WithOrderBy("created_at", "desc"),
		WithLimit(50),
	))
	assert.Equal(t,
		`SELECT id, status FROM "etl_load_history" WHERE "target_table" = $1 AND "status" = $2 ORDER BY "created_at" DESC LIMIT $3`,
		query)
	assert.Equal(t, []any{"orders", "completed", 50}, args)
}

func TestBuildListQuery_InAndOffset(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("etl_jobs",
		WithCondition(WhereCond("status", In, []string{"pending", "processing"})),
		WithCondition(WhereCond("priority", GreaterThanOrEqual, 10)),
		WithLimit(0),
		WithOffset(20),
	))
	assert.Equal(t,
		`SELECT * FROM "etl_jobs" WHERE "status" IN ($1, $2) AND "priority" >= $3 LIMIT $4 OFFSET $5`,
		query)
	assert.Equal(t, []any{"pending", "processing", 10, 0, 20}, args)
}

func TestBuildListQuery_EmptyInIsDropped(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("etl_jobs",
		WithCondition(WhereCond("status", In, []string{})),
	))
	assert.Equal(t, `SELECT * FROM "etl_jobs"`, query)
	assert.Empty(t, args)
}

func TestBuildListQuery_CountOnlyIgnoresPaging(t *testing.T) {
	query, args := BuildListQuery(NewListQueryOptions("etl_validation_findings",
		WithCountOnly(),
		WithCondition(WhereCond("session_id", Equal, "s1")),
		WithOrderBy("id", "ASC"),
		WithLimit(10),
	))
	assert.Equal(t, `SELECT COUNT(*) FROM "etl_validation_findings" WHERE "session_id" = $1`, query)
	assert.Equal(t, []any{"s1"}, args)
}

func TestBuildListQuery_QuotesIdentifiers(t *testing.T) {
	query, _ := BuildListQuery(NewListQueryOptions(`public.etl_jobs"; DROP TABLE x; --`,
		WithOrderBy(`created_at; DELETE`, "sideways"),
	))
	assert.Equal(t, `SELECT * FROM "public"."etl_jobs""; DROP TABLE x; --" ORDER BY "created_at; DELETE"`, query)
}

func TestBuildListQuery_Nil(t *testing.T) {
	query, args := BuildListQuery(nil)
	assert.Empty(t, query)
	assert.Nil(t, args)
}
