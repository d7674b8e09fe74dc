package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/internal/security"
	"nodelock/pkg/contracts/domain"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// opener returns a fresh, unconnected handle. The handle is closed after
// every registry call.
type opener func() (*sql.DB, error)

type dialect struct {
	name      string
	schemaDDL string // may be empty
	tableDDL  string
}

var (
	postgresDialect = dialect{
		name:      config.DriverPostgres,
		schemaDDL: `CREATE SCHEMA IF NOT EXISTS %s`,
		tableDDL: `CREATE TABLE IF NOT EXISTS %s (
	machine_id  BIGSERIAL PRIMARY KEY,
	cpu_serial  TEXT NOT NULL,
	mac_address TEXT NOT NULL,
	added_on    TIMESTAMPTZ NOT NULL DEFAULT now(),
	added_by    TEXT NOT NULL DEFAULT 'SYSTEM_TOOL',
	UNIQUE (cpu_serial, mac_address)
)`,
	}

	sqliteDialect = dialect{
		name: config.DriverSQLite,
		tableDDL: `CREATE TABLE IF NOT EXISTS %s (
	machine_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	cpu_serial  TEXT NOT NULL,
	mac_address TEXT NOT NULL,
	added_on    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	added_by    TEXT NOT NULL DEFAULT 'SYSTEM_TOOL',
	UNIQUE (cpu_serial, mac_address)
)`,
	}
)

// SQLRegistry stores the allow-list in a SQL table. It holds no connection
// between calls.
type SQLRegistry struct {
	open    opener
	dialect dialect
	schema  string
	table   string
	addedBy string
	now     func() time.Time
	logger  *slog.Logger

	stmtRegister string
	stmtExists   string
	stmtList     string
	stmtMACTaken string
	stmtAdd      string
	stmtDelete   string
}

// NewSQLRegistry creates a registry for the postgres or sqlite3 driver.
func NewSQLRegistry(cfg config.RegistryConfig, addedBy string, logger *slog.Logger) (*SQLRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !identifierPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}

	r := &SQLRegistry{
		addedBy: addedBy,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "registry"), slog.String("driver", cfg.Driver)),
	}
	if r.addedBy == "" {
		r.addedBy = config.DefaultAddedBy
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.Schema != "" && !identifierPattern.MatchString(cfg.Schema) {
			return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
		}
		open, err := postgresOpener(cfg)
		if err != nil {
			return nil, err
		}
		r.open = open
		r.dialect = postgresDialect
		r.schema = cfg.Schema
		r.table = cfg.QualifiedTable()
	case config.DriverSQLite:
		// SQLite has no schemas; the table lives in the main database.
		r.open = sqliteOpener(cfg.Path)
		r.dialect = sqliteDialect
		r.table = cfg.Table
	default:
		return nil, fmt.Errorf("unsupported SQL driver %q", cfg.Driver)
	}

	r.buildStatements()
	return r, nil
}

func (r *SQLRegistry) buildStatements() {
	const columns = "machine_id, cpu_serial, mac_address, added_on, added_by"
	r.stmtRegister = fmt.Sprintf(
		`INSERT INTO %s (cpu_serial, mac_address, added_on, added_by) VALUES ($1, $2, $3, $4) ON CONFLICT (cpu_serial, mac_address) DO NOTHING`, r.table)
	r.stmtExists = fmt.Sprintf(`SELECT 1 FROM %s WHERE cpu_serial = $1 AND mac_address = $2 LIMIT 1`, r.table)
	r.stmtList = fmt.Sprintf(`SELECT %s FROM %s ORDER BY added_on DESC, machine_id DESC`, columns, r.table)
	r.stmtMACTaken = fmt.Sprintf(`SELECT 1 FROM %s WHERE mac_address = $1 LIMIT 1`, r.table)
	r.stmtAdd = fmt.Sprintf(
		`INSERT INTO %s (cpu_serial, mac_address, added_on, added_by) VALUES ($1, $2, $3, $4) RETURNING machine_id`, r.table)
	r.stmtDelete = fmt.Sprintf(`DELETE FROM %s WHERE machine_id = $1 RETURNING %s`, r.table, columns)
}

// withConn acquires exactly one connection for fn and releases it on return.
func (r *SQLRegistry) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	db, err := r.open()
	if err != nil {
		return apperrors.Transport(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		return apperrors.Transport(err)
	}
	defer conn.Close()

	return fn(conn)
}

// Register implements Registry.
func (r *SQLRegistry) Register(ctx context.Context, id domain.MachineIdentity) error {
	id, err := canonical(id)
	if err != nil {
		return err
	}

	return r.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, r.stmtRegister, id.CPUBrand, id.MACAddress, r.now().UTC(), r.addedBy)
		if err != nil {
			return apperrors.Query(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			r.logger.DebugContext(ctx, "machine registered",
				slog.String("mac_address", id.MACAddress),
				slog.Bool("inserted", n > 0))
		}
		return nil
	})
}

// Exists implements Registry.
func (r *SQLRegistry) Exists(ctx context.Context, id domain.MachineIdentity) (bool, error) {
	id, err := canonical(id)
	if err != nil {
		return false, err
	}

	var found bool
	err = r.withConn(ctx, func(conn *sql.Conn) error {
		var one int
		err := conn.QueryRowContext(ctx, r.stmtExists, id.CPUBrand, id.MACAddress).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return apperrors.Query(err)
		}
		found = true
		return nil
	})
	return found, err
}

// List implements Store. Records are ordered newest first.
func (r *SQLRegistry) List(ctx context.Context) ([]domain.AttestationRecord, error) {
	records := make([]domain.AttestationRecord, 0)
	err := r.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, r.stmtList)
		if err != nil {
			return apperrors.Query(err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return apperrors.Query(err)
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return apperrors.Query(err)
		}
		return nil
	})
	return records, err
}

// Add implements Store.
func (r *SQLRegistry) Add(ctx context.Context, cpuSerial, macAddress, addedBy string) (domain.AttestationRecord, error) {
	mac, err := security.NormalizeMAC(macAddress)
	if err != nil {
		return domain.AttestationRecord{}, err
	}
	if addedBy == "" {
		addedBy = r.addedBy
	}

	rec := domain.AttestationRecord{
		CPUSerial:  strings.TrimSpace(cpuSerial),
		MACAddress: mac,
		AddedOn:    r.now().UTC(),
		AddedBy:    addedBy,
	}

	err = r.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return apperrors.Query(err)
		}
		defer tx.Rollback()

		var one int
		err = tx.QueryRowContext(ctx, r.stmtMACTaken, rec.MACAddress).Scan(&one)
		switch {
		case err == nil:
			return apperrors.ErrDuplicateMAC
		case !errors.Is(err, sql.ErrNoRows):
			return apperrors.Query(err)
		}

		if err := tx.QueryRowContext(ctx, r.stmtAdd, rec.CPUSerial, rec.MACAddress, rec.AddedOn, rec.AddedBy).Scan(&rec.MachineID); err != nil {
			return apperrors.Query(err)
		}
		if err := tx.Commit(); err != nil {
			return apperrors.Query(err)
		}
		return nil
	})
	if err != nil {
		return domain.AttestationRecord{}, err
	}

	r.logger.InfoContext(ctx, "machine added to allow-list",
		slog.Int64("machine_id", rec.MachineID),
		slog.String("mac_address", rec.MACAddress),
		slog.String("added_by", rec.AddedBy))
	return rec, nil
}

// Delete implements Store.
func (r *SQLRegistry) Delete(ctx context.Context, machineID int64) (domain.AttestationRecord, error) {
	var rec domain.AttestationRecord
	err := r.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		rec, err = scanRecord(conn.QueryRowContext(ctx, r.stmtDelete, machineID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("machine %d: %w", machineID, apperrors.ErrNotFound)
		case err != nil:
			return apperrors.Query(err)
		}
		return nil
	})
	if err != nil {
		return domain.AttestationRecord{}, err
	}

	r.logger.InfoContext(ctx, "machine removed from allow-list",
		slog.Int64("machine_id", rec.MachineID),
		slog.String("mac_address", rec.MACAddress))
	return rec, nil
}

// Ping implements Store.
func (r *SQLRegistry) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(conn *sql.Conn) error {
		if err := conn.PingContext(ctx); err != nil {
			return apperrors.Transport(err)
		}
		return nil
	})
}

// EnsureSchema creates the schema, table and uniqueness constraint if missing.
func (r *SQLRegistry) EnsureSchema(ctx context.Context) error {
	return r.withConn(ctx, func(conn *sql.Conn) error {
		if r.schema != "" && r.dialect.schemaDDL != "" {
			if _, err := conn.ExecContext(ctx, fmt.Sprintf(r.dialect.schemaDDL, r.schema)); err != nil {
				return apperrors.Query(fmt.Errorf("create schema %s: %w", r.schema, err))
			}
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(r.dialect.tableDDL, r.table)); err != nil {
			return apperrors.Query(fmt.Errorf("create table %s: %w", r.table, err))
		}
		r.logger.InfoContext(ctx, "registry schema ensured", slog.String("table", r.table))
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.AttestationRecord, error) {
	var (
		rec     domain.AttestationRecord
		addedOn timestamp
		addedBy sql.NullString
	)
	if err := row.Scan(&rec.MachineID, &rec.CPUSerial, &rec.MACAddress, &addedOn, &addedBy); err != nil {
		return rec, err
	}
	rec.AddedOn = addedOn.Time
	rec.AddedBy = addedBy.String
	return rec, nil
}
