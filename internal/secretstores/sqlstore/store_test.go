package sqlstore

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

const (
	qCountVersions = `SELECT COUNT(*), COALESCE(SUM(CASE WHEN token = ? THEN 1 ELSE 0 END), 0)`
	qHeld          = `SELECT COUNT(*) FROM secret_stages WHERE secret_id = ? AND stage = ? AND token = ?`
	qInsertVersion = `INSERT INTO secret_versions`
	qDeleteStage   = `DELETE FROM secret_stages WHERE secret_id = ? AND stage = ?`
	qInsertStage   = `INSERT INTO secret_stages`
	qHolder        = `SELECT token FROM secret_stages WHERE secret_id = ? AND stage = ?`
	qUpdateStage   = `UPDATE secret_stages SET token = ?`
	qListStages    = `SELECT token, stage FROM secret_stages WHERE secret_id = ?`
	qCountAll      = `SELECT COUNT(*) FROM secret_versions WHERE secret_id = ?`
	qVersionStage  = `SELECT v.token, v.payload, v.created_at FROM secret_versions v`
	qLabels        = `SELECT stage FROM secret_stages WHERE secret_id = ? AND token = ?`
)

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, DialectMySQL, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return s, mock
}

func apiKeyPayload(t *testing.T) rotation.Payload {
	t.Helper()
	p, err := rotation.ParsePayload(`{"apiKey":"AKnew"}`)
	require.NoError(t, err)
	return p
}

func TestStore_PutVersion(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantKind  rotation.ErrorKind
	}{
		{
			name: "stages a new version",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qCountVersions)).WithArgs("v2", "maps-api-key").
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(1, 0))
				mock.ExpectExec(q(qInsertVersion)).WithArgs("maps-api-key", "v2", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(q(qDeleteStage)).WithArgs("maps-api-key", "pending").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(q(qInsertStage)).WithArgs("maps-api-key", "pending", "v2").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "already staged",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(2, 1))
				mock.ExpectQuery(q(qHeld)).WithArgs("maps-api-key", "pending", "v2").
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
				mock.ExpectRollback()
			},
			wantKind: rotation.ErrAlreadyExists,
		},
		{
			name: "token under another stage",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(2, 1))
				mock.ExpectQuery(q(qHeld)).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectRollback()
			},
			wantKind: rotation.ErrTokenConflict,
		},
		{
			name: "unknown secret",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(0, 0))
				mock.ExpectRollback()
			},
			wantKind: rotation.ErrNotFound,
		},
		{
			name: "concurrent insert of the same token",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(1, 0))
				mock.ExpectExec(q(qInsertVersion)).
					WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
				mock.ExpectRollback()
			},
			wantKind: rotation.ErrTokenConflict,
		},
		{
			name: "begin fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(fmt.Errorf("connection lost"))
			},
			wantKind: rotation.ErrStoreUnavailable,
		},
		{
			name: "commit fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(1, 0))
				mock.ExpectExec(q(qInsertVersion)).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(q(qDeleteStage)).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(q(qInsertStage)).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit().WillReturnError(fmt.Errorf("commit failed"))
			},
			wantKind: rotation.ErrStoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setupMock(mock)

			err := s.PutVersion(context.Background(), "maps-api-key", "v2", apiKeyPayload(t), rotation.StagePending)
			if tt.wantKind == "" {
				require.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantKind, rotation.KindOf(err))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_MoveStage(t *testing.T) {
	tests := []struct {
		name      string
		stage     rotation.StageLabel
		to, from  string
		setupMock func(mock sqlmock.Sqlmock)
		wantKind  rotation.ErrorKind
	}{
		{
			name:  "compare and swap",
			stage: rotation.StageCurrent, to: "v2", from: "v1",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qHolder)).WithArgs("db-password", "current").
					WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("v1"))
				mock.ExpectQuery(q(qCountVersions)).WithArgs("v2", "db-password").
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(2, 1))
				mock.ExpectExec(q(qUpdateStage)).WithArgs("v2", "db-password", "current", "v1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:  "lost the update",
			stage: rotation.StageCurrent, to: "v2", from: "v1",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qHolder)).
					WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("v1"))
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(2, 1))
				mock.ExpectExec(q(qUpdateStage)).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantKind: rotation.ErrStageConflict,
		},
		{
			name:  "stale holder",
			stage: rotation.StageCurrent, to: "v2", from: "v0",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qHolder)).
					WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("v1"))
				mock.ExpectRollback()
			},
			wantKind: rotation.ErrStageConflict,
		},
		{
			name:  "already held",
			stage: rotation.StageCurrent, to: "v2", from: "v1",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qHolder)).
					WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("v2"))
				mock.ExpectCommit()
			},
		},
		{
			name:  "remove label",
			stage: rotation.StagePending, to: "", from: "v2",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qHolder)).
					WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("v2"))
				mock.ExpectExec(q(`DELETE FROM secret_stages WHERE secret_id = ? AND stage = ? AND token = ?`)).
					WithArgs("db-password", "pending", "v2").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:  "claim unheld label",
			stage: rotation.StagePrevious, to: "v1", from: "",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qHolder)).
					WillReturnRows(sqlmock.NewRows([]string{"token"}))
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(2, 1))
				mock.ExpectExec(q(qInsertStage)).WithArgs("db-password", "previous", "v1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:  "claim races another writer",
			stage: rotation.StagePrevious, to: "v1", from: "",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qHolder)).
					WillReturnRows(sqlmock.NewRows([]string{"token"}))
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(2, 1))
				mock.ExpectExec(q(qInsertStage)).
					WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
				mock.ExpectRollback()
			},
			wantKind: rotation.ErrStageConflict,
		},
		{
			name:  "unknown target version",
			stage: rotation.StageCurrent, to: "v9", from: "v1",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(q(qHolder)).
					WillReturnRows(sqlmock.NewRows([]string{"token"}).AddRow("v1"))
				mock.ExpectQuery(q(qCountVersions)).
					WillReturnRows(sqlmock.NewRows([]string{"versions", "matching"}).AddRow(2, 0))
				mock.ExpectRollback()
			},
			wantKind: rotation.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setupMock(mock)

			err := s.MoveStage(context.Background(), "db-password", tt.stage, tt.to, tt.from)
			if tt.wantKind == "" {
				require.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantKind, rotation.KindOf(err))
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_ListStages(t *testing.T) {
	t.Run("groups labels by token", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(q(qListStages)).WithArgs("db-password").
			WillReturnRows(sqlmock.NewRows([]string{"token", "stage"}).
				AddRow("v1", "previous").
				AddRow("v2", "current").
				AddRow("v2", "pending"))

		stages, err := s.ListStages(context.Background(), "db-password")
		require.NoError(t, err)
		assert.Equal(t, rotation.StageMap{
			"v1": {rotation.StagePrevious},
			"v2": {rotation.StageCurrent, rotation.StagePending},
		}, stages)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown secret", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(q(qListStages)).WillReturnRows(sqlmock.NewRows([]string{"token", "stage"}))
		mock.ExpectQuery(q(qCountAll)).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		_, err := s.ListStages(context.Background(), "missing")
		assert.Equal(t, rotation.ErrNotFound, rotation.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query failure", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(q(qListStages)).WillReturnError(fmt.Errorf("connection refused"))

		_, err := s.ListStages(context.Background(), "db-password")
		assert.Equal(t, rotation.ErrStoreUnavailable, rotation.KindOf(err))
	})
}

func TestStore_GetVersion(t *testing.T) {
	created := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("by stage", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(q(qVersionStage)).WithArgs("db-password", "current").
			WillReturnRows(sqlmock.NewRows([]string{"token", "payload", "created_at"}).
				AddRow("v1", `{"username":"app","password":"pw"}`, created))
		mock.ExpectQuery(q(qLabels)).WithArgs("db-password", "v1").
			WillReturnRows(sqlmock.NewRows([]string{"stage"}).AddRow("current"))

		v, err := s.GetVersion(context.Background(), "db-password", rotation.VersionQuery{Stage: rotation.StageCurrent})
		require.NoError(t, err)
		assert.Equal(t, "v1", v.Token)
		assert.Equal(t, rotation.KindPassword, v.Payload.Kind)
		assert.Equal(t, []rotation.StageLabel{rotation.StageCurrent}, v.Stages)
		assert.True(t, created.Equal(v.CreatedAt))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(q(qVersionStage)).WithArgs("db-password", "v7", "pending").
			WillReturnRows(sqlmock.NewRows([]string{"token", "payload", "created_at"}))

		_, err := s.GetVersion(context.Background(), "db-password", rotation.VersionQuery{Token: "v7", Stage: rotation.StagePending})
		assert.Equal(t, rotation.ErrNotFound, rotation.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS secret_versions`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS secret_stages`)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	t.Parallel()

	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, `UPDATE t SET a = $1 WHERE b = $2 AND c = $3`, pg.rebind(`UPDATE t SET a = ? WHERE b = ? AND c = ?`))

	my := &Store{dialect: DialectMySQL}
	assert.Equal(t, `SELECT ? FROM t`, my.rebind(`SELECT ? FROM t`))
}

func TestDriverName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"postgresql": DialectPostgres,
		"Postgres":   DialectPostgres,
		"mysql":      DialectMySQL,
		"mariadb":    DialectMySQL,
	}
	for in, want := range tests {
		got, err := DriverName(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := DriverName("sqlserver")
	assert.Error(t, err)
}
