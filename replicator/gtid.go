package replicator

import (
	"fmt"
	"strconv"
	"strings"
)

// GTID is a MariaDB global transaction identifier, serialized as
// "domain-server-sequence". Ordering is defined only between GTIDs that
// belong to the same replication domain; sequences from different domains
// are incomparable.
type GTID struct {
	Domain   uint32
	Server   uint32
	Sequence uint64
}

func parseGTID(s string) (GTID, error) {
	var parts = strings.Split(s, "-")
	if len(parts) != 3 {
		return GTID{}, fmt.Errorf("input %q must have <domain>-<server>-<sequence> shape", s)
	}
	domain, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return GTID{}, fmt.Errorf("invalid domain id %q: %w", parts[0], err)
	}
	server, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return GTID{}, fmt.Errorf("invalid server id %q: %w", parts[1], err)
	}
	sequence, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return GTID{}, fmt.Errorf("invalid sequence number %q: %w", parts[2], err)
	}
	return GTID{Domain: uint32(domain), Server: uint32(server), Sequence: sequence}, nil
}

// parseGTIDList parses a comma-separated GTID list such as the output of
// BINLOG_GTID_POS(), which holds one GTID per replication domain.
func parseGTIDList(s string) ([]GTID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var list []GTID
	for _, part := range strings.Split(s, ",") {
		gtid, err := parseGTID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		list = append(list, gtid)
	}
	return list, nil
}

func (g GTID) String() string {
	return fmt.Sprintf("%d-%d-%d", g.Domain, g.Server, g.Sequence)
}

func (g GTID) IsZero() bool {
	return g == GTID{}
}

// gtidListNewer reports whether the list contains a GTID from the same
// domain as g with a higher sequence number. GTIDs from other domains never
// affect the result.
func gtidListNewer(g GTID, list []GTID) bool {
	for _, other := range list {
		if other.Domain == g.Domain && g.Sequence < other.Sequence {
			return true
		}
	}
	return false
}

func joinGTIDs(list []GTID) string {
	var parts = make([]string, len(list))
	for i, gtid := range list {
		parts[i] = gtid.String()
	}
	return strings.Join(parts, ",")
}
