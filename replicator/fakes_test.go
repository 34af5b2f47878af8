package replicator

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/replication"
)

// sourceStep is one scripted outcome of fakeSource.FetchEvent.
type sourceStep struct {
	event *replication.BinlogEvent
	err   error
}

type fakeBinlog struct {
	name string
	pos  []GTID
}

// fakeSource plays back a scripted replication stream. Once the script is
// exhausted it blocks until the context is cancelled, like a quiet upstream
// would.
type fakeSource struct {
	steps    []sourceStep
	binlogs  []fakeBinlog
	connects []string
	closes   int
	drained  chan struct{} // closed when the script runs out, if set
}

func (s *fakeSource) Connect(ctx context.Context, startGTID string) error {
	s.connects = append(s.connects, startGTID)
	return nil
}

func (s *fakeSource) FetchEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	if len(s.steps) == 0 {
		if s.drained != nil {
			close(s.drained)
			s.drained = nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var step = s.steps[0]
	s.steps = s.steps[1:]
	return step.event, step.err
}

func (s *fakeSource) ListBinlogs(ctx context.Context) ([]string, error) {
	var names []string
	for _, binlog := range s.binlogs {
		names = append(names, binlog.name)
	}
	return names, nil
}

func (s *fakeSource) GTIDPosition(ctx context.Context, binlog string) ([]GTID, error) {
	for _, b := range s.binlogs {
		if b.name == binlog {
			return b.pos, nil
		}
	}
	return nil, fmt.Errorf("unknown binlog %q", binlog)
}

func (s *fakeSource) Close() {
	s.closes++
}

func events(evs ...*replication.BinlogEvent) []sourceStep {
	var steps []sourceStep
	for _, event := range evs {
		steps = append(steps, sourceStep{event: event})
	}
	return steps
}

// opLog records the order of participant operations across all fakes so
// tests can assert interleaving.
type opLog struct {
	ops []string
}

func (l *opLog) add(format string, args ...interface{}) {
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) matching(prefix string) []string {
	var out []string
	for _, op := range l.ops {
		if strings.HasPrefix(op, prefix) {
			out = append(out, op)
		}
	}
	return out
}

type fakeExecutor struct {
	log       *opLog
	queued    []string
	commits   int
	rollbacks int
	commitErr error
	closed    bool
}

func (ex *fakeExecutor) Enqueue(database, statement string) {
	ex.queued = append(ex.queued, statement)
	if ex.log != nil {
		ex.log.add("executor.enqueue %s", statement)
	}
}

func (ex *fakeExecutor) Commit(ctx context.Context) error {
	ex.commits++
	if ex.log != nil {
		ex.log.add("executor.commit")
	}
	return ex.commitErr
}

func (ex *fakeExecutor) Rollback() {
	ex.rollbacks++
	if ex.log != nil {
		ex.log.add("executor.rollback")
	}
}

func (ex *fakeExecutor) Close() {
	ex.closed = true
}

type fakeWriter struct {
	log       *opLog
	name      string
	enqueued  int
	commits   int
	rollbacks int
	commitErr error
	failOK    int // commit attempts that succeed before commitErr applies
	closed    bool
}

func (w *fakeWriter) Enqueue(event *replication.BinlogEvent) {
	w.enqueued++
	if w.log != nil {
		w.log.add("writer[%s].enqueue", w.name)
	}
}

func (w *fakeWriter) Commit(ctx context.Context) error {
	w.commits++
	if w.log != nil {
		w.log.add("writer[%s].commit", w.name)
	}
	if w.commitErr != nil && w.commits > w.failOK {
		return w.commitErr
	}
	return nil
}

func (w *fakeWriter) Rollback() {
	w.rollbacks++
	if w.log != nil {
		w.log.add("writer[%s].rollback", w.name)
	}
}

func (w *fakeWriter) Close() {
	w.closed = true
}

// fakeConn records every statement a participant executes downstream. When a
// LOAD DATA statement runs it also snapshots the infile contents being
// drained by the writer under test.
type fakeConn struct {
	writer   *tableWriter
	execs    []string
	infiles  []string
	rows     [][]string
	execErr  map[string]error
	queryErr error
	closed   bool
}

func (c *fakeConn) Exec(ctx context.Context, query string) error {
	c.execs = append(c.execs, query)
	if strings.HasPrefix(query, "LOAD DATA") && c.writer != nil && c.writer.draining != nil {
		c.infiles = append(c.infiles, c.writer.draining.String())
	}
	if err, ok := c.execErr[query]; ok {
		return err
	}
	return nil
}

func (c *fakeConn) Query(ctx context.Context, query string) ([][]string, error) {
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.rows, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}
