package gtfsmerge

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const (
	metaTable       = "__gtfsmerge_meta"
	otherFilesTable = "__gtfsmerge_other_files"
	internalPrefix  = "__gtfsmerge"
)

func sqlitexNoop(*sqlite.Stmt) error { return nil }

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// otherFile is a non-table file carried along with a feed, such as a license.
type otherFile struct {
	Name     string
	Contents []byte
}

// FeedDB is a feed version stored in a sqlite database, as written by Import.
type FeedDB struct {
	path string
	meta FeedMeta

	mu   sync.Mutex
	conn *sqlite.Conn
}

var _ Dataset = (*FeedDB)(nil)

// OpenFeedDB opens a feed database read only.
func OpenFeedDB(path string) (*FeedDB, error) {
	conn, err := sqlite.OpenConn(path, sqlite.SQLITE_OPEN_READONLY)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db := &FeedDB{path: path, conn: conn}
	if err := db.readMeta(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *FeedDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

func (db *FeedDB) Path() string {
	return db.path
}

func (db *FeedDB) readMeta() error {
	db.meta = FeedMeta{SourceName: db.path}
	has, err := db.hasTable(metaTable)
	if err != nil || !has {
		return err
	}
	return sqlitex.Exec(db.conn, "SELECT source_name, version, blocking_errors FROM "+metaTable, func(stmt *sqlite.Stmt) error {
		db.meta = FeedMeta{
			SourceName:     stmt.GetText("source_name"),
			Version:        int(stmt.GetInt64("version")),
			BlockingErrors: stmt.GetInt64("blocking_errors") != 0,
		}
		return nil
	})
}

func (db *FeedDB) hasTable(name string) (bool, error) {
	found := false
	err := sqlitex.Exec(db.conn, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", func(*sqlite.Stmt) error {
		found = true
		return nil
	}, name)
	return found, err
}

func (db *FeedDB) Meta() FeedMeta {
	return db.meta
}

func (db *FeedDB) TableNames() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var tables []string
	err := sqlitex.Exec(db.conn, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY rowid", func(stmt *sqlite.Stmt) error {
		if name := stmt.GetText("name"); !strings.HasPrefix(name, internalPrefix) {
			tables = append(tables, name)
		}
		return nil
	})
	return tables, err
}

func (db *FeedDB) columns(table string) ([]string, error) {
	var cols []string
	err := sqlitex.Exec(db.conn, "SELECT name FROM pragma_table_info(?)", func(stmt *sqlite.Stmt) error {
		cols = append(cols, stmt.GetText("name"))
		return nil
	}, table)
	return cols, err
}

func (db *FeedDB) ScanTable(table string, fn func(columns []string, row Row) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cols, err := db.columns(table)
	if err != nil || len(cols) == 0 {
		return err
	}
	return sqlitex.Exec(db.conn, "SELECT * FROM "+quoteIdent(table)+" ORDER BY rowid", func(stmt *sqlite.Stmt) error {
		row := make(Row, len(cols))
		for i := range cols {
			row[i] = stmt.ColumnText(i)
		}
		return fn(cols, row)
	})
}

func (db *FeedDB) RowCount(table string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	has, err := db.hasTable(table)
	if err != nil || !has {
		return 0, err
	}
	var count int64
	err = sqlitex.Exec(db.conn, "SELECT count(*) AS count FROM "+quoteIdent(table), func(stmt *sqlite.Stmt) error {
		count = stmt.GetInt64("count")
		return nil
	})
	return int(count), err
}

func (db *FeedDB) ValidityWindow() (ValidityWindow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var fragments []string
	if has, err := db.hasTable("calendar"); err != nil {
		return ValidityWindow{}, err
	} else if has {
		fragments = append(fragments, "SELECT start_date AS d FROM calendar", "SELECT end_date AS d FROM calendar")
	}
	if has, err := db.hasTable("calendar_dates"); err != nil {
		return ValidityWindow{}, err
	} else if has {
		fragments = append(fragments, "SELECT date AS d FROM calendar_dates")
	}
	if len(fragments) == 0 {
		return ValidityWindow{}, nil
	}

	// Dates are YYYYMMDD so text order is date order.
	query := fmt.Sprintf("SELECT min(d) AS first, max(d) AS last FROM (%s) WHERE d IS NOT NULL AND d != ''",
		strings.Join(fragments, " UNION ALL "))
	var first, last string
	err := sqlitex.Exec(db.conn, query, func(stmt *sqlite.Stmt) error {
		first, last = stmt.GetText("first"), stmt.GetText("last")
		return nil
	})
	if err != nil || first == "" {
		return ValidityWindow{}, err
	}
	var w ValidityWindow
	if w.Start, err = parseDate(first); err != nil {
		return ValidityWindow{}, err
	}
	if w.End, err = parseDate(last); err != nil {
		return ValidityWindow{}, err
	}
	return w, nil
}

// otherFiles returns the non-table files stored with the feed.
func (db *FeedDB) otherFiles() ([]otherFile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	has, err := db.hasTable(otherFilesTable)
	if err != nil || !has {
		return nil, err
	}
	var out []otherFile
	err = sqlitex.ExecTransient(db.conn, "SELECT name, contents FROM "+otherFilesTable, func(stmt *sqlite.Stmt) error {
		contents, err := io.ReadAll(stmt.GetReader("contents"))
		if err != nil {
			return err
		}
		out = append(out, otherFile{Name: stmt.GetText("name"), Contents: contents})
		return nil
	})
	return out, err
}

var writePragmas = map[string]string{
	"synchronous": "OFF",
}

// writeFeedDB writes feed into a new database at path. Empty values are stored as NULL.
func writeFeedDB(path string, feed *Feed) (err error) {
	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
	}()

	for pragma, value := range writePragmas {
		if err := sqlitex.Exec(conn, "PRAGMA "+pragma+" = "+value, sqlitexNoop); err != nil {
			return err
		}
	}

	defer sqlitex.Save(conn)(&err)

	meta := feed.Meta()
	err = sqlitex.ExecScript(conn, "CREATE TABLE "+metaTable+" (source_name TEXT, version INTEGER, blocking_errors INTEGER);")
	if err != nil {
		return err
	}
	blocking := 0
	if meta.BlockingErrors {
		blocking = 1
	}
	err = sqlitex.Exec(conn, "INSERT INTO "+metaTable+" (source_name, version, blocking_errors) VALUES (?, ?, ?)",
		sqlitexNoop, meta.SourceName, meta.Version, blocking)
	if err != nil {
		return err
	}

	for _, name := range feed.order {
		if err := writeTable(conn, feed.tables[name]); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	if len(feed.files) > 0 {
		err = sqlitex.ExecTransient(conn, "CREATE TABLE "+otherFilesTable+" (name TEXT, contents BLOB)", sqlitexNoop)
		if err != nil {
			return err
		}
		for _, f := range feed.files {
			err = sqlitex.Exec(conn, "INSERT INTO "+otherFilesTable+" (name, contents) VALUES (?, ?)", sqlitexNoop, f.Name, f.Contents)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func writeTable(conn *sqlite.Conn, t *Table) error {
	columnFragments := make([]string, len(t.Columns))
	argFragments := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		columnFragments[i] = quoteIdent(c) + " TEXT"
		argFragments[i] = fmt.Sprintf("?%d", i+1)
	}
	query := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(t.Name), strings.Join(columnFragments, ", "))
	if err := sqlitex.ExecTransient(conn, query, sqlitexNoop); err != nil {
		return err
	}

	quoted := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		quoted[i] = quoteIdent(c)
	}
	query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.Name), strings.Join(quoted, ", "), strings.Join(argFragments, ", "))
	insertStmt, err := conn.Prepare(query)
	if err != nil {
		return err
	}

	for _, row := range t.Rows {
		if err := insertStmt.Reset(); err != nil {
			return err
		}
		if err := insertStmt.ClearBindings(); err != nil {
			return err
		}
		for i := range t.Columns {
			param := i + 1
			if i >= len(row) || row[i] == "" {
				insertStmt.BindNull(param)
			} else {
				insertStmt.BindText(param, row[i])
			}
		}
		if _, err := insertStmt.Step(); err != nil {
			return err
		}
	}
	return nil
}
