package main

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/backend"
)

type loadtestOpts struct {
	aggregation string
	streams     int
	events      int
	concurrency int
	verify      bool
}

type loadtestResult struct {
	Events       int64         `json:"events"`
	Took         time.Duration `json:"took"`
	EventsPerSec int           `json:"eventsPerSec"`
	P50          time.Duration `json:"p50"`
	P99          time.Duration `json:"p99"`
	AllocMiB     uint64        `json:"allocMiB"`
}

func newLoadtestCmd(a *app) *cobra.Command {
	opts := loadtestOpts{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Append events concurrently and report throughput and latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd, backend.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := runLoadtest(cmd, store, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.aggregation, "aggregation", "loadtest", "aggregation to write to")
	f.IntVar(&opts.streams, "streams", 10, "number of streams")
	f.IntVar(&opts.events, "events", 1000, "events per stream")
	f.IntVar(&opts.concurrency, "concurrency", 4, "writers per stream")
	f.BoolVar(&opts.verify, "verify", true, "read every stream back and check its sequences")
	return cmd
}

func runLoadtest(cmd *cobra.Command, store *evstore.EventStore, opts loadtestOpts) (loadtestResult, error) {
	if opts.streams <= 0 || opts.events <= 0 || opts.concurrency <= 0 {
		return loadtestResult{}, errors.New("streams, events and concurrency must be positive")
	}

	var (
		written   atomic.Int64
		latencies = make([][]time.Duration, opts.streams*opts.concurrency)
		start     = time.Now()
	)

	g, ctx := errgroup.WithContext(cmd.Context())
	for s := range opts.streams {
		es := store.GetEventStream(opts.aggregation, fmt.Sprintf("stream-%d", s))
		for w := range opts.concurrency {
			slot := s*opts.concurrency + w
			n := opts.events / opts.concurrency
			if w < opts.events%opts.concurrency {
				n++
			}
			g.Go(func() error {
				lat := make([]time.Duration, 0, n)
				for i := range n {
					t0 := time.Now()
					if _, err := es.AddEvent(ctx, map[string]int{"writer": w, "n": i}); err != nil && !evstore.Committed(err) {
						return err
					}
					lat = append(lat, time.Since(t0))
					written.Add(1)
				}
				latencies[slot] = lat
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return loadtestResult{}, err
	}
	took := time.Since(start)

	if opts.verify {
		for s := range opts.streams {
			events, err := store.GetEventStream(opts.aggregation, fmt.Sprintf("stream-%d", s)).GetEvents(cmd.Context())
			if err != nil {
				return loadtestResult{}, err
			}
			for i, ev := range events {
				if ev.Sequence != uint64(i) {
					return loadtestResult{}, fmt.Errorf("stream-%d: event %d has sequence %d", s, i, ev.Sequence)
				}
			}
		}
	}

	all := slices.Concat(latencies...)
	slices.Sort(all)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return loadtestResult{
		Events:       written.Load(),
		Took:         took,
		EventsPerSec: int(float64(written.Load()) / took.Seconds()),
		P50:          percentile(all, 0.50),
		P99:          percentile(all, 0.99),
		AllocMiB:     mem.Alloc / 1024 / 1024,
	}, nil
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*q)]
}
