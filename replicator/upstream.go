package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// errNetworkLost marks a dropped upstream connection. It is the only
// recoverable fetch error: the core closes the channel and reconnects.
var errNetworkLost = errors.New("network connection to upstream server lost")

// binlogSource is the upstream replication channel as seen by the core.
type binlogSource interface {
	// Connect opens the replication channel starting at startGTID. An empty
	// startGTID means the current end of the binlog.
	Connect(ctx context.Context, startGTID string) error
	// FetchEvent blocks until the next replicated event arrives. A dropped
	// connection is reported as errNetworkLost; other errors are fatal to
	// the session.
	FetchEvent(ctx context.Context) (*replication.BinlogEvent, error)
	// ListBinlogs returns the names of the retained binlogs, oldest first.
	ListBinlogs(ctx context.Context) ([]string, error)
	// GTIDPosition returns the GTID list in effect at the start of the
	// named binlog, one GTID per replication domain.
	GTIDPosition(ctx context.Context, binlog string) ([]GTID, error)
	Close()
}

// upstreamClient replicates from a MariaDB primary. The replication channel
// itself runs over a binlog syncer; a plain client connection on the side
// answers the binlog enumeration queries used to locate the resume point.
//
// Opening the channel performs the MariaDB slave registration sequence:
// binlog checksum pass-through, slave capability 4, the start position in
// @slave_connect_state, strict GTID mode, ignore-duplicates and the session
// character set. Retrying is disabled on the syncer so that all reconnect
// policy stays in the core.
type upstreamClient struct {
	cfg      *MariaDBConfig
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	admin    *client.Conn
}

func newUpstreamClient(cfg *MariaDBConfig) *upstreamClient {
	return &upstreamClient{cfg: cfg}
}

func (u *upstreamClient) Connect(ctx context.Context, startGTID string) error {
	if u.syncer != nil {
		// We already have a connection
		return nil
	}

	var gset, err = mysql.ParseMariadbGTIDSet(startGTID)
	if err != nil {
		return fmt.Errorf("invalid start GTID %q: %w", startGTID, err)
	}

	var syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:         u.cfg.ServerID,
		Flavor:           mysql.MariaDBFlavor,
		Host:             u.cfg.Host,
		Port:             uint16(u.cfg.Port),
		User:             u.cfg.User,
		Password:         u.cfg.Password,
		Charset:          "latin1",
		DisableRetrySync: true,
	})
	streamer, err := syncer.StartSyncGTID(gset)
	if err != nil {
		syncer.Close()
		return fmt.Errorf("failed to open replication channel: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"addr": u.cfg.Address(),
		"gtid": startGTID,
	}).Info("started replicating")
	u.syncer = syncer
	u.streamer = streamer
	return nil
}

func (u *upstreamClient) FetchEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	var event, err = u.streamer.GetEvent(ctx)
	if err != nil {
		if isNetworkErr(err) {
			return nil, fmt.Errorf("%w: %v", errNetworkLost, err)
		}
		return nil, fmt.Errorf("failed to read replicated event: %w", err)
	}
	return event, nil
}

func (u *upstreamClient) ListBinlogs(ctx context.Context) ([]string, error) {
	var conn, err = u.adminConn()
	if err != nil {
		return nil, err
	}
	results, err := conn.Execute("SHOW BINARY LOGS;")
	if err != nil {
		u.closeAdmin()
		return nil, fmt.Errorf("error listing binlogs: %w", err)
	}
	var binlogs []string
	for _, row := range results.Values {
		binlogs = append(binlogs, string(row[0].AsString()))
	}
	return binlogs, nil
}

func (u *upstreamClient) GTIDPosition(ctx context.Context, binlog string) ([]GTID, error) {
	var conn, err = u.adminConn()
	if err != nil {
		return nil, err
	}
	// Offset 4 is the first event in the file, right after the magic bytes.
	results, err := conn.Execute(fmt.Sprintf("SELECT BINLOG_GTID_POS('%s', 4);", binlog))
	if err != nil {
		u.closeAdmin()
		return nil, fmt.Errorf("error querying GTID position of %q: %w", binlog, err)
	}
	if len(results.Values) == 0 {
		return nil, fmt.Errorf("no GTID position returned for %q", binlog)
	}
	list, err := parseGTIDList(string(results.Values[0][0].AsString()))
	if err != nil {
		return nil, fmt.Errorf("unexpected GTID position for %q: %w", binlog, err)
	}
	return list, nil
}

func (u *upstreamClient) Close() {
	if u.syncer != nil {
		u.syncer.Close()
		u.syncer = nil
		u.streamer = nil
	}
	u.closeAdmin()
}

func (u *upstreamClient) adminConn() (*client.Conn, error) {
	if u.admin == nil {
		var conn, err = client.Connect(u.cfg.Address(), u.cfg.User, u.cfg.Password, "")
		if err != nil {
			return nil, fmt.Errorf("unable to connect to %q: %w", u.cfg.Address(), err)
		}
		u.admin = conn
	}
	return u.admin, nil
}

func (u *upstreamClient) closeAdmin() {
	if u.admin != nil {
		u.admin.Close()
		u.admin = nil
	}
}

func isNetworkErr(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &netErr)
}

// findBinlogStartGTID walks the retained binlogs oldest-first and returns
// the GTID position at the start of the newest one whose starting GTIDs do
// not exceed target. Replicating from that position guarantees the format
// description event is delivered and that the skip gate will observe a GTID
// event at or before the target.
func findBinlogStartGTID(ctx context.Context, source binlogSource, target GTID) (string, error) {
	var binlogs, err = source.ListBinlogs(ctx)
	if err != nil {
		return "", err
	}
	var start []GTID
	for _, binlog := range binlogs {
		pos, err := source.GTIDPosition(ctx, binlog)
		if err != nil {
			return "", err
		}
		if len(pos) > 0 && gtidListNewer(target, pos) {
			// This binlog starts past the target, so the previous one
			// contains the GTID we are looking for.
			break
		}
		start = pos
	}
	return joinGTIDs(start), nil
}
