package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/drblury/idflow/internal/runtime/identity"
)

// Driver names accepted by OpenSQL.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Dialect controls placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite:
		return DialectSQLite, nil
	case DriverPostgres:
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("directory: unsupported driver %q", driver)
	}
}

func (d Dialect) placeholder() string {
	if d == DialectPostgres {
		return "$1"
	}
	return "?"
}

// Table names the columns holding one kind of identity.
type Table struct {
	Name       string
	IDColumn   string
	NameColumn string
}

// DefaultTables is the layout used when no tables are supplied.
func DefaultTables() map[identity.Kind]Table {
	return map[identity.Kind]Table{
		identity.KindUser:    {Name: "users", IDColumn: "id", NameColumn: "username"},
		identity.KindPlayer:  {Name: "players", IDColumn: "id", NameColumn: "name"},
		identity.KindCreator: {Name: "creators", IDColumn: "id", NameColumn: "name"},
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (t Table) validate() error {
	for _, ident := range []string{t.Name, t.IDColumn, t.NameColumn} {
		if !identifierPattern.MatchString(ident) {
			return fmt.Errorf("directory: invalid identifier %q", ident)
		}
	}
	return nil
}

// SQLDirectory looks identities up through database/sql.
type SQLDirectory struct {
	db      *sql.DB
	owned   bool
	dialect Dialect
	tables  map[identity.Kind]Table
	queries map[identity.Kind]string
}

// OpenSQL opens and pings a database, serving DefaultTables.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLDirectory, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s directory: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s directory: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// Keep in-memory databases on a single connection.
		db.SetMaxOpenConns(1)
	}

	d, err := NewSQLDirectory(db, dialect, nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	d.owned = true
	return d, nil
}

// NewSQLDirectory serves the kinds present in tables, or DefaultTables when
// tables is nil. The caller keeps ownership of db.
func NewSQLDirectory(db *sql.DB, dialect Dialect, tables map[identity.Kind]Table) (*SQLDirectory, error) {
	if db == nil {
		return nil, errors.New("directory: db is required")
	}
	if tables == nil {
		tables = DefaultTables()
	}

	queries := make(map[identity.Kind]string, len(tables))
	for kind, table := range tables {
		if !kind.Valid() {
			return nil, fmt.Errorf("directory: table for invalid kind %s", kind)
		}
		if err := table.validate(); err != nil {
			return nil, err
		}
		queries[kind] = fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s LIMIT 1",
			table.NameColumn, table.Name, table.IDColumn, dialect.placeholder())
	}

	return &SQLDirectory{
		db:      db,
		dialect: dialect,
		tables:  tables,
		queries: queries,
	}, nil
}

func (d *SQLDirectory) Supports(kind identity.Kind) bool {
	_, ok := d.queries[kind]
	return ok
}

func (d *SQLDirectory) Lookup(ctx context.Context, kind identity.Kind, subjectID *int64) (Entry, error) {
	query, ok := d.queries[kind]
	if !ok {
		return Entry{}, unsupported(kind)
	}
	if subjectID == nil {
		return Entry{}, nil
	}

	var name sql.NullString
	err := d.db.QueryRowContext(ctx, query, *subjectID).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, nil
	case err != nil:
		return Entry{}, fmt.Errorf("lookup %s %d: %w", kind, *subjectID, err)
	}
	return Entry{Exists: true, Name: name.String}, nil
}

// CreateTables creates any missing table served by the directory.
func (d *SQLDirectory) CreateTables(ctx context.Context) error {
	kinds := make([]identity.Kind, 0, len(d.tables))
	for kind := range d.tables {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		t := d.tables[kind]
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s BIGINT PRIMARY KEY, %s TEXT NOT NULL)",
			t.Name, t.IDColumn, t.NameColumn)
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Insert adds or replaces one identity. Used to seed demos and tests.
func (d *SQLDirectory) Insert(ctx context.Context, kind identity.Kind, id int64, name string) error {
	t, ok := d.tables[kind]
	if !ok {
		return unsupported(kind)
	}
	var stmt string
	if d.dialect == DialectPostgres {
		stmt = fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s",
			t.Name, t.IDColumn, t.NameColumn, t.IDColumn, t.NameColumn, t.NameColumn)
	} else {
		stmt = fmt.Sprintf("INSERT OR REPLACE INTO %s (%s, %s) VALUES (?, ?)", t.Name, t.IDColumn, t.NameColumn)
	}
	_, err := d.db.ExecContext(ctx, stmt, id, name)
	return err
}

// Close closes the database when the directory opened it.
func (d *SQLDirectory) Close() error {
	if !d.owned {
		return nil
	}
	return d.db.Close()
}
