package postgres

import (
	"fmt"
	"regexp"
)

const (
	colAggregation     = "aggregation"
	colStreamID        = "stream_id"
	colNextSequence    = "next_sequence"
	colSequence        = "sequence"
	colPayload         = "payload"
	colCommitTimestamp = "commit_timestamp"
)

var validPrefix = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type tables struct {
	streams string
	events  string
}

func newTables(prefix string) (tables, error) {
	if !validPrefix.MatchString(prefix) {
		return tables{}, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return tables{streams: prefix + "_streams", events: prefix + "_events"}, nil
}

// ddl creates the stream index, which also holds the per stream sequence
// counter, and the event table. Names use the "C" collation so ORDER BY
// sorts by bytes.
func (t tables) ddl() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s TEXT COLLATE "C" NOT NULL,
	%s TEXT COLLATE "C" NOT NULL,
	%s BIGINT NOT NULL,
	PRIMARY KEY (%s, %s)
)`, t.streams, colAggregation, colStreamID, colNextSequence, colAggregation, colStreamID),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s TEXT COLLATE "C" NOT NULL,
	%s TEXT COLLATE "C" NOT NULL,
	%s BIGINT NOT NULL,
	%s TEXT NOT NULL,
	%s BIGINT NOT NULL,
	PRIMARY KEY (%s, %s, %s)
)`, t.events, colAggregation, colStreamID, colSequence, colPayload, colCommitTimestamp,
			colAggregation, colStreamID, colSequence),
	}
}
