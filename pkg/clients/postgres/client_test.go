package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestNewFromPool(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	assert.Equal(t, "iam", NewFromPool(mock, &Config{Database: "iam"}).databaseName)
	assert.Equal(t, "tenants", NewFromPool(mock, &Config{URI: "postgres://u:p@h:5432/tenants"}).databaseName)
	assert.Empty(t, NewFromPool(mock, nil).databaseName)
}

func TestClient_Query(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("SELECT tenant_id, residency FROM tenant_profiles").
		WillReturnRows(pgxmock.NewRows([]string{"tenant_id", "residency"}).
			AddRow("t1", "us").
			AddRow("t2", "eu"))

	client := NewFromPool(mock, &Config{Database: "iam"})
	rows, err := client.Query(context.Background(), "SELECT tenant_id, residency FROM tenant_profiles")
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var id, residency string
		require.NoError(t, rows.Scan(&id, &residency))
		got = append(got, id+"="+residency)
	}
	assert.Equal(t, []string{"t1=us", "t2=eu"}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_Query_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code sserr.Code
	}{
		{"generic", errors.New("relation does not exist"), sserr.CodeInternalDatabase},
		{"deadline", context.DeadlineExceeded, sserr.CodeTimeoutDatabase},
		{"canceled", context.Canceled, sserr.CodeTimeoutDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := newMock(t)
			mock.ExpectQuery("SELECT").WillReturnError(tt.err)

			_, err := NewFromPool(mock, nil).Query(context.Background(), "SELECT 1")
			require.Error(t, err)
			assert.True(t, sserr.HasCode(err, tt.code))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClient_QueryRow(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("SELECT residency FROM tenant_profiles WHERE tenant_id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"residency"}).AddRow("eu"))
	mock.ExpectQuery("SELECT residency FROM tenant_profiles WHERE tenant_id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"residency"}))

	client := NewFromPool(mock, nil)
	var residency string
	require.NoError(t, client.QueryRow(context.Background(),
		"SELECT residency FROM tenant_profiles WHERE tenant_id = $1", "t1").Scan(&residency))
	assert.Equal(t, "eu", residency)

	err := client.QueryRow(context.Background(),
		"SELECT residency FROM tenant_profiles WHERE tenant_id = $1", "missing").Scan(&residency)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestClient_Exec(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("INSERT INTO tenant_profiles").
		WithArgs("t1", "us").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM tenant_profiles").
		WillReturnError(context.DeadlineExceeded)

	client := NewFromPool(mock, nil)
	tag, err := client.Exec(context.Background(), "INSERT INTO tenant_profiles VALUES ($1, $2)", "t1", "us")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tag.RowsAffected())

	_, err = client.Exec(context.Background(), "DELETE FROM tenant_profiles")
	require.Error(t, err)
	assert.True(t, sserr.IsTimeout(err))
}

func TestClient_Health(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	client := NewFromPool(mock, nil)
	require.NoError(t, client.Health(context.Background()))

	err = client.Health(context.Background())
	require.Error(t, err)
	assert.True(t, sserr.IsUnavailable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewClient_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), Config{Database: "iam", User: "iam", SSLMode: "sometimes"})
	require.Error(t, err)
	assert.True(t, sserr.IsValidation(err))
}
