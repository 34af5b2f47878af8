package replicator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// StatementExecutor applies query events against the downstream store.
// Statements are queued by Enqueue and applied lazily when Commit runs; the
// commit boundary is the only externally observable point.
type StatementExecutor interface {
	Enqueue(database, statement string)
	Commit(ctx context.Context) error
	Rollback()
	Close()
}

type queuedQuery struct {
	database  string
	statement string
}

type sqlExecutor struct {
	cfg   *CSConfig
	dial  func(ctx context.Context) (storeConn, error)
	conn  storeConn
	queue []queuedQuery
}

func newSQLExecutor(cfg *CSConfig) *sqlExecutor {
	var ex = &sqlExecutor{cfg: cfg}
	ex.dial = func(ctx context.Context) (storeConn, error) {
		return openStoreConn(ctx, cfg)
	}
	return ex
}

func (ex *sqlExecutor) Enqueue(database, statement string) {
	ex.queue = append(ex.queue, queuedQuery{database: database, statement: statement})
}

// Commit connects lazily, applies the queued statements in order and commits
// them. The session mirrors what the server itself does when it executes a
// query event: switch to the event's default database, then run the
// statement verbatim.
func (ex *sqlExecutor) Commit(ctx context.Context) error {
	if len(ex.queue) == 0 && ex.conn == nil {
		return nil
	}
	if err := ex.connect(ctx); err != nil {
		return err
	}
	for _, query := range ex.queue {
		logrus.WithFields(logrus.Fields{
			"database": query.database,
			"query":    query.statement,
		}).Debug("applying query event")
		if query.database != "" {
			if err := ex.conn.Exec(ctx, "USE "+quoteIdent(query.database)); err != nil {
				ex.dropConn()
				return fmt.Errorf("error selecting database %q: %w", query.database, err)
			}
		}
		if err := ex.conn.Exec(ctx, query.statement); err != nil {
			ex.dropConn()
			return fmt.Errorf("error applying query event: %w", err)
		}
	}
	if err := ex.conn.Exec(ctx, "COMMIT"); err != nil {
		ex.dropConn()
		return fmt.Errorf("error committing statements: %w", err)
	}
	ex.queue = nil
	return nil
}

// Rollback discards the queue and rolls back anything the session had open.
// It never fails.
func (ex *sqlExecutor) Rollback() {
	ex.queue = nil
	if ex.conn != nil {
		ex.conn.Exec(context.Background(), "ROLLBACK")
	}
}

func (ex *sqlExecutor) Close() {
	ex.dropConn()
}

func (ex *sqlExecutor) connect(ctx context.Context) error {
	if ex.conn != nil {
		return nil
	}
	var conn, err = ex.dial(ctx)
	if err != nil {
		return err
	}
	// Queued DDL must land on ColumnStore tables, and nothing may commit
	// before the replicator says so.
	for _, setup := range []string{
		"SET default_storage_engine=COLUMNSTORE",
		"SET autocommit=0",
	} {
		if err := conn.Exec(ctx, setup); err != nil {
			conn.Close()
			return fmt.Errorf("error preparing executor session: %w", err)
		}
	}
	ex.conn = conn
	return nil
}

func (ex *sqlExecutor) dropConn() {
	if ex.conn != nil {
		ex.conn.Close()
		ex.conn = nil
	}
}
