package mssql

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/etl-loader/internal/domain/model"
)

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "[dbo].[orders]", quoteIdent("dbo.orders"))
	assert.Equal(t, "[we]]ird]", quoteIdent("we]ird"))
}

func TestChunkTx_UsesOutputAndLockHints(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO [dbo].[orders] ([qty], [sku]) OUTPUT INSERTED.[id] VALUES (@p1, @p2)").
		WithArgs(int64(2), "A-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT [id], [qty] FROM [dbo].[orders] WITH (UPDLOCK, ROWLOCK) WHERE [id] = @p1").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "qty"}).AddRow(int64(7), int64(2)))
	mock.ExpectExec("UPDATE [dbo].[orders] SET [qty] = @p1 WHERE [id] = @p2").
		WithArgs(int64(3), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := New(db).Begin(ctx)
	require.NoError(t, err)
	key, err := tx.Insert(ctx, "dbo.orders", model.Row{"sku": "A-1", "qty": int64(2)}, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, model.Row{"id": int64(7)}, key)

	row, ok, err := tx.Fetch(ctx, "dbo.orders", key, []string{"id", "qty"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), row["qty"])

	n, err := tx.Update(ctx, "dbo.orders", key, model.Row{"qty": int64(3)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
