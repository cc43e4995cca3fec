package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

const dbPassword = "n3w-P@ss word'with\\odd chars"

func TestSQLProbe_Ping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		dbType   string
		pingErr  error
		wantKind rotation.ErrorKind
	}{
		{"postgres login ok", "postgresql", nil, ""},
		{"postgres bad password", "postgres", &pq.Error{Code: "28P01", Message: "password authentication failed"}, rotation.ErrValidationFailed},
		{"postgres no pg_hba entry", "postgres", &pq.Error{Code: "28000", Message: "no pg_hba.conf entry"}, rotation.ErrValidationFailed},
		{"postgres too many connections", "postgres", &pq.Error{Code: "53300", Message: "too many connections"}, rotation.ErrValidationUnreachable},
		{"mysql access denied", "mysql", &mysql.MySQLError{Number: 1045, Message: "Access denied"}, rotation.ErrValidationFailed},
		{"mysql other server error", "mariadb", &mysql.MySQLError{Number: 1040, Message: "Too many connections"}, rotation.ErrValidationUnreachable},
		{"network error", "postgres", errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"), rotation.ErrValidationUnreachable},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
			require.NoError(t, err)
			ping := mock.ExpectPing()
			if tt.pingErr != nil {
				ping.WillReturnError(tt.pingErr)
			}
			mock.ExpectClose()

			p, err := NewSQLProbe("orders-db", SQLProbeConfig{Type: tt.dbType, Host: "db.internal", Username: "app"})
			require.NoError(t, err)
			var gotDriver string
			p.SetOpener(func(driver, dsn string) (SQLPinger, error) {
				gotDriver = driver
				return db, nil
			})

			err = p.Validate(context.Background(), "orders/db", mustPayload(t, `{"password":"s3cret-Passw0rd!"}`))
			if tt.wantKind == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, rotation.KindOf(err))
				assert.NotContains(t, err.Error(), "s3cret-Passw0rd!")
			}
			assert.NotEmpty(t, gotDriver)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLProbe_PayloadOverridesConnection(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing()
	mock.ExpectClose()

	p, err := NewSQLProbe("pg", SQLProbeConfig{Type: "postgres", Host: "default-host", Port: "5432", Username: "nobody"})
	require.NoError(t, err)

	var gotDSN string
	p.SetOpener(func(driver, dsn string) (SQLPinger, error) {
		gotDSN = dsn
		return db, nil
	})

	payload := mustPayload(t, `{"username":"app_user","password":"s3cret-Passw0rd!","host":"db-1.internal","port":"6432","dbname":"orders"}`)
	require.NoError(t, p.Validate(context.Background(), "db-password", payload))

	assert.Contains(t, gotDSN, "host=db-1.internal")
	assert.Contains(t, gotDSN, "port=6432")
	assert.Contains(t, gotDSN, "user=app_user")
	assert.Contains(t, gotDSN, "dbname=orders")
	assert.Contains(t, gotDSN, "sslmode=require")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProbe_MissingUsername(t *testing.T) {
	t.Parallel()

	p, err := NewSQLProbe("pg", SQLProbeConfig{Type: "postgres"})
	require.NoError(t, err)
	p.SetOpener(func(driver, dsn string) (SQLPinger, error) {
		t.Fatal("opener must not be called without a username")
		return nil, nil
	})

	err = p.Validate(context.Background(), "db", mustPayload(t, `{"password":"s3cret-Passw0rd!"}`))
	assert.Equal(t, rotation.ErrValidationFailed, rotation.KindOf(err))
}

func TestSQLProbe_OpenErrorIsRedacted(t *testing.T) {
	t.Parallel()

	p, err := NewSQLProbe("my", SQLProbeConfig{Type: "mysql", Username: "app"})
	require.NoError(t, err)
	p.SetOpener(func(driver, dsn string) (SQLPinger, error) {
		return nil, errors.New("invalid DSN: " + dsn)
	})

	err = p.Validate(context.Background(), "db", mustPayload(t, `{"password":"s3cret-Passw0rd!"}`))
	require.Error(t, err)
	assert.Equal(t, rotation.ErrValidationUnreachable, rotation.KindOf(err))
	assert.NotContains(t, err.Error(), "s3cret-Passw0rd!")
}

func TestNewSQLProbe_UnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := NewSQLProbe("oracle", SQLProbeConfig{Type: "oracle"})
	assert.Error(t, err)
}

func TestBuildPostgresDSN(t *testing.T) {
	t.Parallel()

	dsn := buildPostgresDSN(SQLProbeConfig{
		Host:     "db.internal",
		Username: "app",
		Database: "orders",
		SSLMode:  "disable",
		Timeout:  5 * time.Second,
	}, dbPassword)

	assert.Equal(t,
		`host=db.internal port=5432 user=app password='n3w-P@ss word\'with\\odd chars' sslmode=disable connect_timeout=5 dbname=orders`,
		dsn)
}

func TestBuildMySQLDSN(t *testing.T) {
	t.Parallel()

	dsn := buildMySQLDSN(SQLProbeConfig{Host: "db.internal", Username: "app", Database: "orders", Timeout: 5 * time.Second}, "p@ss:w/rd")

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", cfg.User)
	assert.Equal(t, "p@ss:w/rd", cfg.Passwd)
	assert.Equal(t, "db.internal:3306", cfg.Addr)
	assert.Equal(t, "orders", cfg.DBName)
	assert.True(t, cfg.ParseTime)
}

func TestQuoteConnValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"", "''"},
		{"with space", "'with space'"},
		{`it's`, `'it\'s'`},
		{`back\slash`, `'back\\slash'`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quoteConnValue(tt.in), tt.in)
	}
}
