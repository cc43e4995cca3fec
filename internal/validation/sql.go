package validation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/internal/secretstores/sqlstore"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// SQLProbeConfig locates the database a password belongs to. Payload fields
// named host, port, database (or dbname) and username (or user) override the
// configured values, so one probe can serve many secrets.
type SQLProbeConfig struct {
	Type     string
	Host     string
	Port     string
	Database string
	Username string
	SSLMode  string
	Timeout  time.Duration
}

// SQLPinger is the part of *sql.DB the probe needs.
type SQLPinger interface {
	PingContext(ctx context.Context) error
	Close() error
}

// Opener opens a connection pool for driver and dsn.
type Opener func(driver, dsn string) (SQLPinger, error)

func openDB(driver, dsn string) (SQLPinger, error) {
	return sql.Open(driver, dsn)
}

// SQLProbe validates a password by logging in to the database with it.
type SQLProbe struct {
	name   string
	driver string
	config SQLProbeConfig
	open   Opener
}

// NewSQLProbe creates a probe for a postgres or mysql database.
func NewSQLProbe(name string, config SQLProbeConfig) (*SQLProbe, error) {
	driver, err := sqlstore.DriverName(config.Type)
	if err != nil {
		return nil, fmt.Errorf("sql probe %s: %w", name, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &SQLProbe{name: name, driver: driver, config: config, open: openDB}, nil
}

// SetOpener replaces sql.Open (for testing).
func (p *SQLProbe) SetOpener(open Opener) {
	p.open = open
}

// Name returns the probe name.
func (p *SQLProbe) Name() string {
	return p.name
}

// Validate implements rotation.Validator.
func (p *SQLProbe) Validate(ctx context.Context, secretID string, payload rotation.Payload) error {
	password := payload.Value()
	conn := p.connection(payload.Fields)
	if conn.Username == "" {
		return rotation.Errorf(rotation.ErrValidationFailed, secretID,
			"probe %s: no username in payload or configuration", p.name)
	}

	dsn := p.dsn(conn, password)
	db, err := p.open(p.driver, dsn)
	if err != nil {
		return rotation.Errorf(rotation.ErrValidationUnreachable, secretID,
			"probe %s: %s", p.name, logging.Redact(err.Error(), []string{password, dsn}))
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		detail := logging.Redact(err.Error(), []string{password})
		if isAuthFailure(err) {
			return rotation.Errorf(rotation.ErrValidationFailed, secretID,
				"probe %s: login as %s rejected: %s", p.name, conn.Username, detail)
		}
		return rotation.Errorf(rotation.ErrValidationUnreachable, secretID,
			"probe %s: %s", p.name, detail)
	}
	return nil
}

func (p *SQLProbe) connection(fields map[string]string) SQLProbeConfig {
	conn := p.config
	override := func(dst *string, names ...string) {
		for _, name := range names {
			if v := fields[name]; v != "" {
				*dst = v
				return
			}
		}
	}
	override(&conn.Host, "host")
	override(&conn.Port, "port")
	override(&conn.Database, "database", "dbname")
	override(&conn.Username, "username", "user")
	return conn
}

func (p *SQLProbe) dsn(conn SQLProbeConfig, password string) string {
	if p.driver == sqlstore.DialectMySQL {
		return buildMySQLDSN(conn, password)
	}
	return buildPostgresDSN(conn, password)
}

func buildPostgresDSN(conn SQLProbeConfig, password string) string {
	sslmode := conn.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	parts := []string{
		"host=" + quoteConnValue(withDefault(conn.Host, "localhost")),
		"port=" + quoteConnValue(withDefault(conn.Port, "5432")),
		"user=" + quoteConnValue(conn.Username),
		"password=" + quoteConnValue(password),
		"sslmode=" + quoteConnValue(sslmode),
		fmt.Sprintf("connect_timeout=%d", int(conn.Timeout.Seconds()+0.5)),
	}
	if conn.Database != "" {
		parts = append(parts, "dbname="+quoteConnValue(conn.Database))
	}
	return strings.Join(parts, " ")
}

// quoteConnValue quotes a libpq key=value connection string value.
func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func buildMySQLDSN(conn SQLProbeConfig, password string) string {
	cfg := mysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(withDefault(conn.Host, "localhost"), withDefault(conn.Port, "3306"))
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	cfg.Timeout = conn.Timeout
	return cfg.FormatDSN()
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// isAuthFailure reports whether err is the server refusing the login rather
// than the server being unreachable.
func isAuthFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "28P01", "28000":
			return true
		}
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1045
	}
	return false
}
