// Command evstore runs and inspects an event store.
//
//	evstore serve                           HTTP API, websocket tail and metrics
//	evstore append <aggregation> <id> JSON  append an event
//	evstore events <aggregation> <id>       print the events of a stream
//	evstore aggregations                    list aggregations
//	evstore streams <aggregation>           list the streams of an aggregation
//	evstore tail <aggregation>              print new messages until interrupted
//	evstore loadtest                        measure append throughput
//
// Backends are chosen with --config (YAML), EVSTORE_* variables and the
// --provider / --publisher flags, in increasing precedence.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
