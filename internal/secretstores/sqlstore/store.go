// Package sqlstore implements rotation.Store on a relational database.
//
// Versions live in secret_versions and labels in secret_stages, whose primary
// key (secret_id, stage) guarantees one holder per label. Stage moves are a
// conditional UPDATE inside a transaction; a zero row count means another
// writer moved the label first.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// Dialects, keyed by the database/sql driver name.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

var driverMap = map[string]string{
	"postgresql": DialectPostgres,
	"postgres":   DialectPostgres,
	"mysql":      DialectMySQL,
	"mariadb":    DialectMySQL,
}

// DriverName maps a database type as written in configuration to its driver.
func DriverName(dbType string) (string, error) {
	driver, ok := driverMap[strings.ToLower(dbType)]
	if !ok {
		return "", fmt.Errorf("unsupported database type: %s", dbType)
	}
	return driver, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS secret_versions (
		secret_id  VARCHAR(255) NOT NULL,
		token      VARCHAR(128) NOT NULL,
		payload    TEXT         NOT NULL,
		created_at TIMESTAMP    NOT NULL,
		PRIMARY KEY (secret_id, token)
	)`,
	`CREATE TABLE IF NOT EXISTS secret_stages (
		secret_id VARCHAR(255) NOT NULL,
		stage     VARCHAR(16)  NOT NULL,
		token     VARCHAR(128) NOT NULL,
		PRIMARY KEY (secret_id, stage)
	)`,
}

// Store is a rotation.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *logging.Logger
	now     func() time.Time
}

// Open connects to dsn with the driver for dbType.
func Open(dbType, dsn string, logger *logging.Logger) (*Store, error) {
	driver, err := DriverName(dbType)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	return New(db, driver, logger)
}

// New wraps an open database. dialect is DialectPostgres or DialectMySQL.
func New(db *sql.DB, dialect string, logger *logging.Logger) (*Store, error) {
	if dialect != DialectPostgres && dialect != DialectMySQL {
		return nil, fmt.Errorf("unsupported SQL dialect: %s", dialect)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{db: db, dialect: dialect, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Seed creates secretID with raw as its current value under token. It fails
// when the secret already has versions.
func (s *Store) Seed(ctx context.Context, secretID, token, raw string) error {
	return s.inTx(ctx, secretID, func(tx *sql.Tx) error {
		versions, _, err := s.countVersions(ctx, tx, secretID, token)
		if err != nil {
			return err
		}
		if versions > 0 {
			return rotation.Errorf(rotation.ErrAlreadyExists, secretID, "secret already has %d versions", versions)
		}
		if err := s.insertVersion(ctx, tx, secretID, token, raw); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO secret_stages (secret_id, stage, token) VALUES (?, ?, ?)`),
			secretID, string(rotation.StageCurrent), token)
		return err
	})
}

// GetVersion implements rotation.Store.
func (s *Store) GetVersion(ctx context.Context, secretID string, query rotation.VersionQuery) (*rotation.Version, error) {
	var (
		row   *sql.Row
		token string
	)
	switch {
	case query.Token != "" && query.Stage != "":
		row = s.db.QueryRowContext(ctx, s.rebind(`SELECT v.token, v.payload, v.created_at FROM secret_versions v
			JOIN secret_stages st ON st.secret_id = v.secret_id AND st.token = v.token
			WHERE v.secret_id = ? AND v.token = ? AND st.stage = ?`), secretID, query.Token, string(query.Stage))
	case query.Token != "":
		row = s.db.QueryRowContext(ctx, s.rebind(`SELECT v.token, v.payload, v.created_at FROM secret_versions v
			WHERE v.secret_id = ? AND v.token = ?`), secretID, query.Token)
	default:
		row = s.db.QueryRowContext(ctx, s.rebind(`SELECT v.token, v.payload, v.created_at FROM secret_versions v
			JOIN secret_stages st ON st.secret_id = v.secret_id AND st.token = v.token
			WHERE v.secret_id = ? AND st.stage = ?`), secretID, string(query.Stage))
	}

	var (
		raw     string
		created time.Time
	)
	if err := row.Scan(&token, &raw, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rotation.Errorf(rotation.ErrNotFound, secretID, "no version with %s", query)
		}
		return nil, rotation.NewError(rotation.ErrStoreUnavailable, secretID, "query version", err)
	}

	labels, err := s.labelsOf(ctx, secretID, token)
	if err != nil {
		return nil, err
	}
	payload, err := rotation.ParsePayload(raw)
	if err != nil {
		return nil, rotation.NewError(rotation.ErrMalformedSecret, secretID, "version "+token, err)
	}
	return &rotation.Version{
		SecretID:  secretID,
		Token:     token,
		Payload:   payload,
		Stages:    labels,
		CreatedAt: created,
	}, nil
}

// PutVersion implements rotation.Store.
func (s *Store) PutVersion(ctx context.Context, secretID, token string, payload rotation.Payload, stage rotation.StageLabel) error {
	if !stage.Valid() {
		return rotation.Errorf(rotation.ErrInvalidRequest, secretID, "unknown stage %q", stage)
	}
	raw, err := payload.Marshal()
	if err != nil {
		return rotation.NewError(rotation.ErrMalformedSecret, secretID, "cannot serialise payload", err)
	}

	return s.inTx(ctx, secretID, func(tx *sql.Tx) error {
		versions, tokenExists, err := s.countVersions(ctx, tx, secretID, token)
		if err != nil {
			return err
		}
		if versions == 0 {
			return rotation.Errorf(rotation.ErrNotFound, secretID, "secret does not exist")
		}
		if tokenExists {
			var held int
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM secret_stages WHERE secret_id = ? AND stage = ? AND token = ?`),
				secretID, string(stage), token).Scan(&held)
			if err != nil {
				return err
			}
			if held > 0 {
				return rotation.Errorf(rotation.ErrAlreadyExists, secretID, "version %s already holds %s", token, stage)
			}
			return rotation.Errorf(rotation.ErrTokenConflict, secretID, "version %s already exists", token)
		}

		if err := s.insertVersion(ctx, tx, secretID, token, raw); err != nil {
			if isUniqueViolation(err) {
				return rotation.NewError(rotation.ErrTokenConflict, secretID, "version "+token+" was written concurrently", err)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM secret_stages WHERE secret_id = ? AND stage = ?`),
			secretID, string(stage)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO secret_stages (secret_id, stage, token) VALUES (?, ?, ?)`),
			secretID, string(stage), token); err != nil {
			if isUniqueViolation(err) {
				return rotation.NewError(rotation.ErrStageConflict, secretID, string(stage)+" was taken concurrently", err)
			}
			return err
		}
		s.logger.Debug("Staged version %s of %s as %s", token, secretID, stage)
		return nil
	})
}

// ListStages implements rotation.Store.
func (s *Store) ListStages(ctx context.Context, secretID string) (rotation.StageMap, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT token, stage FROM secret_stages WHERE secret_id = ? ORDER BY token, stage`), secretID)
	if err != nil {
		return nil, rotation.NewError(rotation.ErrStoreUnavailable, secretID, "list stages", err)
	}
	defer func() { _ = rows.Close() }()

	stages := make(rotation.StageMap)
	for rows.Next() {
		var token, stage string
		if err := rows.Scan(&token, &stage); err != nil {
			return nil, rotation.NewError(rotation.ErrStoreUnavailable, secretID, "list stages", err)
		}
		stages[token] = append(stages[token], rotation.StageLabel(stage))
	}
	if err := rows.Err(); err != nil {
		return nil, rotation.NewError(rotation.ErrStoreUnavailable, secretID, "list stages", err)
	}

	if len(stages) == 0 {
		var versions int
		if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM secret_versions WHERE secret_id = ?`), secretID).Scan(&versions); err != nil {
			return nil, rotation.NewError(rotation.ErrStoreUnavailable, secretID, "count versions", err)
		}
		if versions == 0 {
			return nil, rotation.Errorf(rotation.ErrNotFound, secretID, "secret does not exist")
		}
	}
	return stages, nil
}

// MoveStage implements rotation.Store.
func (s *Store) MoveStage(ctx context.Context, secretID string, stage rotation.StageLabel, toToken, fromToken string) error {
	if !stage.Valid() {
		return rotation.Errorf(rotation.ErrInvalidRequest, secretID, "unknown stage %q", stage)
	}

	return s.inTx(ctx, secretID, func(tx *sql.Tx) error {
		var holder string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT token FROM secret_stages WHERE secret_id = ? AND stage = ?`),
			secretID, string(stage)).Scan(&holder)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if toToken != "" && holder == toToken {
			return nil
		}
		if holder != fromToken {
			return rotation.Errorf(rotation.ErrStageConflict, secretID, "%s is held by %q, expected %q", stage, holder, fromToken)
		}

		if toToken != "" {
			_, exists, err := s.countVersions(ctx, tx, secretID, toToken)
			if err != nil {
				return err
			}
			if !exists {
				return rotation.Errorf(rotation.ErrNotFound, secretID, "version %s does not exist", toToken)
			}
		}

		var res sql.Result
		switch {
		case toToken == "" && fromToken == "":
			return nil
		case toToken == "":
			res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM secret_stages WHERE secret_id = ? AND stage = ? AND token = ?`),
				secretID, string(stage), fromToken)
		case fromToken == "":
			res, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO secret_stages (secret_id, stage, token) VALUES (?, ?, ?)`),
				secretID, string(stage), toToken)
			if isUniqueViolation(err) {
				return rotation.NewError(rotation.ErrStageConflict, secretID, string(stage)+" was taken concurrently", err)
			}
		default:
			res, err = tx.ExecContext(ctx, s.rebind(`UPDATE secret_stages SET token = ? WHERE secret_id = ? AND stage = ? AND token = ?`),
				toToken, secretID, string(stage), fromToken)
		}
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return rotation.Errorf(rotation.ErrStageConflict, secretID, "%s moved concurrently", stage)
		}
		s.logger.Debug("Moved %s of %s from %q to %q", stage, secretID, fromToken, toToken)
		return nil
	})
}

func (s *Store) countVersions(ctx context.Context, tx *sql.Tx, secretID, token string) (int, bool, error) {
	var versions, matching int
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN token = ? THEN 1 ELSE 0 END), 0)
		FROM secret_versions WHERE secret_id = ?`), token, secretID).Scan(&versions, &matching)
	if err != nil {
		return 0, false, err
	}
	return versions, matching > 0, nil
}

func (s *Store) insertVersion(ctx context.Context, tx *sql.Tx, secretID, token, raw string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO secret_versions (secret_id, token, payload, created_at) VALUES (?, ?, ?, ?)`),
		secretID, token, raw, s.now().UTC())
	return err
}

func (s *Store) labelsOf(ctx context.Context, secretID, token string) ([]rotation.StageLabel, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT stage FROM secret_stages WHERE secret_id = ? AND token = ? ORDER BY stage`), secretID, token)
	if err != nil {
		return nil, rotation.NewError(rotation.ErrStoreUnavailable, secretID, "query stages", err)
	}
	defer func() { _ = rows.Close() }()

	var labels []rotation.StageLabel
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, rotation.NewError(rotation.ErrStoreUnavailable, secretID, "query stages", err)
		}
		labels = append(labels, rotation.StageLabel(stage))
	}
	if err := rows.Err(); err != nil {
		return nil, rotation.NewError(rotation.ErrStoreUnavailable, secretID, "query stages", err)
	}
	return labels, nil
}

// inTx runs fn in a transaction. Errors that are not already rotation errors
// are reported as StoreUnavailable.
func (s *Store) inTx(ctx context.Context, secretID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rotation.NewError(rotation.ErrStoreUnavailable, secretID, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var rerr *rotation.Error
		if errors.As(err, &rerr) {
			return err
		}
		return rotation.NewError(rotation.ErrStoreUnavailable, secretID, "", err)
	}
	if err := tx.Commit(); err != nil {
		return rotation.NewError(rotation.ErrStoreUnavailable, secretID, "commit transaction", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
