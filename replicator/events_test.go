package replicator

import (
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
)

// Helpers for constructing the replicated events the tests feed through the
// state machine.

func gtidEvent(domain, server uint32, sequence uint64, flags byte) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.MARIADB_GTID_EVENT, ServerID: server},
		Event: &replication.MariadbGTIDEvent{
			GTID: mysql.MariadbGTID{
				DomainID:       domain,
				ServerID:       server,
				SequenceNumber: sequence,
			},
			Flags: flags,
		},
	}
}

func xidEvent(transaction uint64) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.XID_EVENT},
		Event:  &replication.XIDEvent{XID: transaction},
	}
}

func queryEvent(database, statement string) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.QUERY_EVENT},
		Event: &replication.QueryEvent{
			Schema: []byte(database),
			Query:  []byte(statement),
		},
	}
}

func tableMapEvent(tableID uint64, database, table string, columns int) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.TABLE_MAP_EVENT},
		Event: &replication.TableMapEvent{
			TableID:     tableID,
			Schema:      []byte(database),
			Table:       []byte(table),
			ColumnCount: uint64(columns),
		},
	}
}

func rowsEvent(eventType replication.EventType, tableID uint64, database, table string, rows ...[]interface{}) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: eventType},
		Event: &replication.RowsEvent{
			TableID: tableID,
			Table: &replication.TableMapEvent{
				TableID: tableID,
				Schema:  []byte(database),
				Table:   []byte(table),
			},
			Rows: rows,
		},
	}
}
