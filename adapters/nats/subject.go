package nats

import (
	"fmt"
	"strings"

	"github.com/codewandler/evstore-go/core/evstore"
)

// validToken reports whether s can be used as one NATS subject token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

func checkStream(stream evstore.Stream) error {
	if err := stream.Validate(); err != nil {
		return err
	}
	if !validToken(stream.Aggregation) {
		return fmt.Errorf("%w: aggregation %q is not a valid subject token", evstore.ErrInvalidStream, stream.Aggregation)
	}
	if !validToken(stream.ID) {
		return fmt.Errorf("%w: stream id %q is not a valid subject token", evstore.ErrInvalidStream, stream.ID)
	}
	return nil
}

// splitSubject parses "<prefix>.<aggregation>.<id>".
func splitSubject(prefix, subject string) (evstore.Stream, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return evstore.Stream{}, false
	}
	agg, id, ok := strings.Cut(rest, ".")
	if !ok || agg == "" || id == "" || strings.Contains(id, ".") {
		return evstore.Stream{}, false
	}
	return evstore.NewStream(agg, id), true
}
