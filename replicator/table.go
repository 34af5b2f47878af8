package replicator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// TableWriter turns the row events of one (database, table) pair into bulk
// writes against the downstream store. Enqueued events accumulate in an
// uncommitted batch; Commit applies the whole batch in one downstream
// transaction and Rollback discards it.
type TableWriter interface {
	Enqueue(event *replication.BinlogEvent)
	Commit(ctx context.Context) error
	Rollback()
	Close()
}

// readerSeq distinguishes the LOAD DATA reader handles of writers opened for
// the same table across sessions.
var readerSeq atomic.Uint64

// batchOp is one step of a pending batch, applied in enqueue order. Runs of
// consecutive inserts share a single LOAD DATA statement whose data streams
// from infile.
type batchOp struct {
	stmt   string
	infile *bytes.Buffer
}

type tableWriter struct {
	conn       storeConn
	database   string
	table      string
	columns    []string
	mode       Mode
	readerName string

	ops      []batchOp
	inserts  *bytes.Buffer // open insert run, nil when the last op was DML
	rows     int
	draining *bytes.Buffer
}

// openTable creates the writer for a table map event. Column names come from
// the binlog row metadata when the server sends them, otherwise from the
// downstream store. A failure here means row events for this table could not
// be applied, so the caller must treat it as fatal.
func openTable(ctx context.Context, cfg *Config, conn storeConn, tableMap *replication.TableMapEvent) (TableWriter, error) {
	var database, table = string(tableMap.Schema), string(tableMap.Table)
	var columns = tableMap.ColumnNameString()
	if len(columns) == 0 {
		var err error
		if columns, err = fetchColumns(ctx, conn, database, table); err != nil {
			return nil, err
		}
	}
	if len(columns) != int(tableMap.ColumnCount) {
		return nil, fmt.Errorf("table %s.%s has %d columns downstream but the table map describes %d",
			database, table, len(columns), tableMap.ColumnCount)
	}

	var w = &tableWriter{
		conn:       conn,
		database:   database,
		table:      table,
		columns:    columns,
		mode:       cfg.Replicator.Mode,
		readerName: fmt.Sprintf("csrep_%s_%s_%d", database, table, readerSeq.Add(1)),
	}
	mysql.RegisterReaderHandler(w.readerName, func() io.Reader {
		return w.draining
	})
	logrus.WithFields(logrus.Fields{
		"database": database,
		"table":    table,
		"columns":  len(columns),
	}).Debug("opened table")
	return w, nil
}

func fetchColumns(ctx context.Context, conn storeConn, database, table string) ([]string, error) {
	var rows, err = conn.Query(ctx, fmt.Sprintf("SHOW COLUMNS FROM %s", qualifiedName(database, table)))
	if err != nil {
		return nil, fmt.Errorf("could not open table %s.%s: %w", database, table, err)
	}
	var columns []string
	for _, row := range rows {
		columns = append(columns, row[0])
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("could not open table %s.%s: no such table downstream", database, table)
	}
	return columns, nil
}

func (w *tableWriter) Enqueue(event *replication.BinlogEvent) {
	var data, ok = event.Event.(*replication.RowsEvent)
	if !ok {
		return
	}
	switch event.Header.EventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		for _, row := range data.Rows {
			w.appendInsert(row)
		}
	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		// Update events carry alternating (before, after) pairs of rows.
		for i := 1; i < len(data.Rows); i += 2 {
			var before, after = data.Rows[i-1], data.Rows[i]
			if w.mode == ModeTransform {
				w.appendInsert(before)
				w.appendInsert(after)
			} else {
				w.appendDML(w.updateStatement(before, after))
			}
		}
	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		for _, row := range data.Rows {
			if w.mode == ModeTransform {
				w.appendInsert(row)
			} else {
				w.appendDML(w.deleteStatement(row))
			}
		}
	}
}

// Commit applies the pending batch as a single downstream transaction.
func (w *tableWriter) Commit(ctx context.Context) error {
	w.endInsertRun()
	if len(w.ops) == 0 {
		return nil
	}

	var start = time.Now()
	if err := w.conn.Exec(ctx, "START TRANSACTION"); err != nil {
		return fmt.Errorf("error starting bulk transaction for %s.%s: %w", w.database, w.table, err)
	}
	for _, op := range w.ops {
		w.draining = op.infile
		if err := w.conn.Exec(ctx, op.stmt); err != nil {
			w.conn.Exec(ctx, "ROLLBACK")
			return fmt.Errorf("error applying bulk batch to %s.%s: %w", w.database, w.table, err)
		}
	}
	if err := w.conn.Exec(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("error committing bulk batch to %s.%s: %w", w.database, w.table, err)
	}

	logrus.WithFields(logrus.Fields{
		"database": w.database,
		"table":    w.table,
		"rows":     w.rows,
		"elapsed":  time.Since(start).String(),
	}).Debug("committed bulk batch")
	w.discard()
	return nil
}

// Rollback discards the pending batch. It never fails: a broken downstream
// session aborts its open transaction on its own.
func (w *tableWriter) Rollback() {
	if len(w.ops) > 0 || w.inserts != nil {
		w.conn.Exec(context.Background(), "ROLLBACK")
	}
	w.discard()
}

// Close releases the downstream connection. Any uncommitted batch is lost,
// so callers roll back first.
func (w *tableWriter) Close() {
	mysql.DeregisterReaderHandler(w.readerName)
	w.conn.Close()
}

func (w *tableWriter) discard() {
	w.ops = nil
	w.inserts = nil
	w.rows = 0
	w.draining = nil
}

func (w *tableWriter) appendInsert(row []interface{}) {
	if w.inserts == nil {
		w.inserts = new(bytes.Buffer)
	}
	var fields = make([]string, len(row))
	for i, value := range row {
		fields[i] = infileField(value)
	}
	w.inserts.WriteString(strings.Join(fields, ","))
	w.inserts.WriteByte('\n')
	w.rows++
}

func (w *tableWriter) appendDML(stmt string) {
	w.endInsertRun()
	w.ops = append(w.ops, batchOp{stmt: stmt})
	w.rows++
}

// endInsertRun seals the open run of inserts into a LOAD DATA operation so
// that later DML in the same batch keeps its position in event order.
func (w *tableWriter) endInsertRun() {
	if w.inserts == nil {
		return
	}
	w.ops = append(w.ops, batchOp{stmt: w.loadStatement(), infile: w.inserts})
	w.inserts = nil
}

func (w *tableWriter) loadStatement() string {
	var columns = make([]string, len(w.columns))
	for i, column := range w.columns {
		columns[i] = quoteIdent(column)
	}
	return fmt.Sprintf("LOAD DATA LOCAL INFILE 'Reader::%s' INTO TABLE %s"+
		" FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '\"' ESCAPED BY '\\\\'"+
		" LINES TERMINATED BY '\\n' (%s)",
		w.readerName, w.qualified(), strings.Join(columns, ","))
}

func (w *tableWriter) updateStatement(before, after []interface{}) string {
	var assignments = make([]string, 0, len(after))
	for i, value := range after {
		if i < len(w.columns) {
			assignments = append(assignments, quoteIdent(w.columns[i])+" = "+sqlLiteral(value))
		}
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		w.qualified(), strings.Join(assignments, ", "), w.rowPredicate(before))
}

func (w *tableWriter) deleteStatement(row []interface{}) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", w.qualified(), w.rowPredicate(row))
}

// rowPredicate matches the full before-image with NULL-safe comparisons.
func (w *tableWriter) rowPredicate(row []interface{}) string {
	var conditions = make([]string, 0, len(row))
	for i, value := range row {
		if i < len(w.columns) {
			conditions = append(conditions, quoteIdent(w.columns[i])+" <=> "+sqlLiteral(value))
		}
	}
	return strings.Join(conditions, " AND ")
}

func (w *tableWriter) qualified() string {
	return qualifiedName(w.database, w.table)
}

func qualifiedName(database, table string) string {
	return quoteIdent(database) + "." + quoteIdent(table)
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

var infileEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\x00", `\0`,
)

// infileField renders one value the way the LOAD DATA statement built by
// loadStatement expects it: \N for NULL, strings, byte slices and times
// enclosed in double quotes with backslash escaping, and any other value
// (numbers) written unquoted in its default text form.
func infileField(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return `\N`
	case []byte:
		return `"` + infileEscaper.Replace(string(v)) + `"`
	case string:
		return `"` + infileEscaper.Replace(v) + `"`
	case time.Time:
		return `"` + v.Format("2006-01-02 15:04:05") + `"`
	default:
		return fmt.Sprintf("%v", v)
	}
}

var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `''`,
	"\x00", `\0`,
)

func sqlLiteral(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return "'" + literalEscaper.Replace(string(v)) + "'"
	case string:
		return "'" + literalEscaper.Replace(v) + "'"
	case time.Time:
		return "'" + v.Format("2006-01-02 15:04:05") + "'"
	default:
		return fmt.Sprintf("%v", v)
	}
}
