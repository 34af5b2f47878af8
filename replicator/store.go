package replicator

import (
	"context"
	stdsql "database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// storeConn is a single pinned connection to the downstream store. Both the
// table writers and the SQL executor hold transaction state in the session,
// so the connection must not be swapped out from under them mid-batch.
type storeConn interface {
	Exec(ctx context.Context, query string) error
	Query(ctx context.Context, query string) ([][]string, error)
	Close() error
}

type csConn struct {
	db   *stdsql.DB
	conn *stdsql.Conn
}

// openStoreConn dials the SQL interface of the ColumnStore UM.
func openStoreConn(ctx context.Context, cfg *CSConfig) (storeConn, error) {
	var mycfg = mysql.NewConfig()
	mycfg.Net = "tcp"
	mycfg.Addr = cfg.Address()
	mycfg.User = cfg.User
	mycfg.Passwd = cfg.Password
	mycfg.AllowNativePasswords = true

	connector, err := mysql.NewConnector(mycfg)
	if err != nil {
		return nil, fmt.Errorf("error configuring ColumnStore connection: %w", err)
	}
	var db = stdsql.OpenDB(connector)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to connect to ColumnStore at %q: %w", cfg.Address(), err)
	}
	return &csConn{db: db, conn: conn}, nil
}

func (c *csConn) Exec(ctx context.Context, query string) error {
	var _, err = c.conn.ExecContext(ctx, query)
	return err
}

func (c *csConn) Query(ctx context.Context, query string) ([][]string, error) {
	var rows, err = c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var results [][]string
	for rows.Next() {
		var raw = make([]stdsql.RawBytes, len(columns))
		var dest = make([]interface{}, len(columns))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		var row = make([]string, len(columns))
		for i, value := range raw {
			row[i] = string(value)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func (c *csConn) Close() error {
	c.conn.Close()
	return c.db.Close()
}
