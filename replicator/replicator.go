package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// implicitCommitFlag is set on the GTID event of a statement that performs
// an implicit commit (FL_STANDALONE): the statement both executes and
// commits, and no XID event follows.
const implicitCommitFlag = 0x1

// reconnectInterval is how long to wait before retrying a failed upstream
// connection attempt.
const reconnectInterval = 5 * time.Second

// applyState says which participant kind currently accumulates work.
type applyState int

const (
	// stateSTMT: query events are queued in the SQL executor.
	stateSTMT applyState = iota
	// stateBULK: row events are queued in the per-table bulk writers.
	stateBULK
)

// Replicator converts a MariaDB replication stream into ColumnStore writes.
// One worker goroutine owns the whole state machine and every downstream
// participant; the public API is only Ok and Stop.
type Replicator struct {
	cfg *Config

	source    binlogSource
	executor  StatementExecutor
	openTable func(ctx context.Context, cfg *Config, tableMap *replication.TableMapEvent) (TableWriter, error)
	state     *checkpointStore
	filter    *eventFilter

	// Active table writers by binlog table id. The upstream reassigns ids
	// on every schema-relevant event, so the map only means anything within
	// the current replication session.
	tables map[uint64]TableWriter

	gtid           string // GTID position to resume from
	currentGTID    GTID   // GTID of the transaction being processed
	implicitCommit bool
	lastCommit     time.Time
	apply          applyState

	running   atomic.Bool
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// Start creates a new replication stream and starts it.
func Start(cfg *Config) *Replicator {
	var r = newReplicator(cfg, newUpstreamClient(&cfg.MariaDB), newSQLExecutor(&cfg.CS), dialAndOpenTable)
	go r.run()
	return r
}

func newReplicator(cfg *Config, source binlogSource, executor StatementExecutor,
	openTable func(context.Context, *Config, *replication.TableMapEvent) (TableWriter, error)) *Replicator {
	var ctx, cancel = context.WithCancel(context.Background())
	var r = &Replicator{
		cfg:       cfg,
		source:    source,
		executor:  executor,
		openTable: openTable,
		state:     newCheckpointStore(cfg.Replicator.StateDir),
		filter:    newEventFilter(cfg.MariaDB.Tables),
		tables:    make(map[uint64]TableWriter),
		gtid:      cfg.MariaDB.GTID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.running.Store(true)
	return r
}

// dialAndOpenTable gives each table writer its own downstream connection,
// released when the writer is closed.
func dialAndOpenTable(ctx context.Context, cfg *Config, tableMap *replication.TableMapEvent) (TableWriter, error) {
	var conn, err = openStoreConn(ctx, &cfg.CS)
	if err != nil {
		return nil, err
	}
	writer, err := openTable(ctx, cfg, conn, tableMap)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return writer, nil
}

// Ok reports whether the replicator is still processing events.
func (r *Replicator) Ok() bool {
	return r.running.Load()
}

// Stop shuts the replicator down and waits for the worker to finish rolling
// back. Stopping an already stopped replicator is a no-op.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		r.running.Store(false)
		r.cancel()
	})
	<-r.done
}

func (r *Replicator) run() {
	defer close(r.done)
	defer r.running.Store(false)
	defer r.rollbackAll()

	// A checkpointed position always wins over the configured one: it is
	// where the previous run actually got to.
	if gtid, err := r.state.Load(); err != nil {
		logrus.WithField("error", err).Error("failed to load GTID state")
		return
	} else if gtid != "" {
		r.gtid = gtid
		logrus.WithField("gtid", gtid).Info("continuing from checkpointed GTID")
	}

	for r.running.Load() {
		if !r.connected {
			if err := r.connect(); err != nil {
				logrus.WithFields(logrus.Fields{
					"addr":  r.cfg.MariaDB.Address(),
					"error": err,
				}).Warn("failed to connect to upstream server, retrying")
				r.sleep(reconnectInterval)
				continue
			}
		}

		var event, err = r.source.FetchEvent(r.ctx)
		if err != nil {
			if errors.Is(err, errNetworkLost) {
				logrus.WithField("error", err).Warn("lost connection to upstream server")
				r.dropConnection()
				continue
			}
			if r.ctx.Err() != nil {
				return
			}
			logrus.WithField("error", err).Error("failed to read replicated event")
			return
		}

		process, err := r.filter.Check(event)
		if err != nil {
			logrus.WithField("error", err).Error("cannot reach resume GTID, stopping conversion")
			return
		}
		if !process {
			eventsSkipped.Inc()
			continue
		}

		if err := r.processEvent(event); err != nil {
			// Fixing this might require manual intervention so the safest
			// thing to do is to stop processing data.
			logrus.WithField("error", err).Error("stopping replication")
			return
		}
	}
}

func (r *Replicator) connect() error {
	var startGTID string
	if r.gtid != "" {
		var target, err = parseGTID(r.gtid)
		if err != nil {
			return fmt.Errorf("invalid resume GTID %q: %w", r.gtid, err)
		}
		if startGTID, err = findBinlogStartGTID(r.ctx, r.source, target); err != nil {
			return err
		}
		r.filter.skipUntil(target)
		logrus.WithFields(logrus.Fields{
			"start":  startGTID,
			"target": r.gtid,
		}).Info("replicating from the binlog containing the resume GTID")
	}
	if err := r.source.Connect(r.ctx, startGTID); err != nil {
		return err
	}
	r.connected = true
	return nil
}

// dropConnection tears down the session after a network error. Partially
// buffered transactions are discarded: the reconnect resumes from the last
// committed GTID and re-delivers them in full, so keeping the partial batch
// would apply those rows twice.
func (r *Replicator) dropConnection() {
	r.source.Close()
	r.connected = false
	r.executor.Rollback()
	for _, writer := range r.tables {
		writer.Rollback()
	}
	// Table ids are only meaningful within the session that announced them.
	r.closeTables()
	upstreamReconnects.Inc()
}

func (r *Replicator) processEvent(event *replication.BinlogEvent) error {
	eventsProcessed.Inc()

	switch data := event.Event.(type) {
	case *replication.MariadbGTIDEvent:
		if data.Flags&implicitCommitFlag != 0 {
			r.implicitCommit = true
		}
		r.currentGTID = GTID{
			Domain:   data.GTID.DomainID,
			Server:   data.GTID.ServerID,
			Sequence: data.GTID.SequenceNumber,
		}
		logrus.WithField("gtid", r.currentGTID.String()).Trace("GTID event")

	case *replication.XIDEvent:
		if err := r.commitTransactions(); err != nil {
			return err
		}
		r.markCommitted()
		logrus.WithFields(logrus.Fields{
			"gtid": r.gtid,
			"xid":  data.XID,
		}).Debug("transaction committed")

	case *replication.TableMapEvent:
		if old, ok := r.tables[data.TableID]; ok {
			// The id was reassigned; the old writer's uncommitted batch
			// goes with it.
			old.Rollback()
			old.Close()
		}
		var writer, err = r.openTable(r.ctx, r.cfg, data)
		if err != nil {
			return fmt.Errorf("could not open table %s.%s: %w", data.Schema, data.Table, err)
		}
		r.tables[data.TableID] = writer

	case *replication.QueryEvent:
		if err := r.setState(stateSTMT); err != nil {
			return err
		}
		r.executor.Enqueue(string(data.Schema), string(data.Query))
		if r.implicitCommit {
			r.implicitCommit = false
			if err := r.commitTransactions(); err != nil {
				return err
			}
			r.markCommitted()
		}

	case *replication.RowsEvent:
		switch event.Header.EventType {
		case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2,
			replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2,
			replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
			var writer, ok = r.tables[data.TableID]
			if !ok {
				// The table map for this id was filtered out.
				return nil
			}
			if err := r.setState(stateBULK); err != nil {
				return err
			}
			logrus.WithField("table", fmt.Sprintf("%s.%s", data.Table.Schema, data.Table.Table)).Trace("rows event")
			writer.Enqueue(event)
		}

	default:
		// Ignore the event
	}

	return nil
}

// commitTransactions commits every participant, then persists the position.
// The executor and all writers are attempted even after a failure so that
// none of them is left holding a transaction, but a single failure fails the
// whole commit. The checkpoint therefore never advances past a failed
// participant, and a restart re-delivers the failed transaction.
func (r *Replicator) commitTransactions() error {
	// Deliberately not r.ctx: once a commit has started it runs to
	// completion. Aborting between the downstream COMMIT and the checkpoint
	// write would re-deliver an already applied transaction on restart.
	var ctx = context.Background()
	var err = r.executor.Commit(ctx)
	for _, writer := range r.tables {
		if werr := writer.Commit(ctx); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"gtid":  r.currentGTID.String(),
			"error": err,
		}).Error("one or more transactions failed to commit")
		return err
	}
	if r.currentGTID.IsZero() {
		// Nothing replicated yet; leave the checkpoint alone.
		return nil
	}
	if err := r.state.Save(r.currentGTID.String()); err != nil {
		return err
	}
	transactionsCommitted.Inc()
	return nil
}

func (r *Replicator) markCommitted() {
	r.gtid = r.currentGTID.String()
	r.lastCommit = time.Now()
	lastCommitTimestamp.SetToCurrentTime()
}

// setState switches between statement and bulk processing. Crossing the
// boundary commits the side that was active, so at most one participant
// kind holds an uncommitted transaction at any time.
func (r *Replicator) setState(target applyState) error {
	if r.apply == target {
		return nil
	}
	if err := r.commitTransactions(); err != nil {
		return err
	}
	r.apply = target
	return nil
}

func (r *Replicator) rollbackAll() {
	r.executor.Rollback()
	r.executor.Close()
	for _, writer := range r.tables {
		writer.Rollback()
	}
	r.closeTables()
	r.source.Close()
}

func (r *Replicator) closeTables() {
	for id, writer := range r.tables {
		writer.Close()
		delete(r.tables, id)
	}
}

func (r *Replicator) sleep(d time.Duration) {
	select {
	case <-r.ctx.Done():
	case <-time.After(d):
	}
}
