package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/backend"
)

func newAppendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "append <aggregation> <id> <json>",
		Short: "Append a JSON payload to a stream and print the committed event",
		Example: `  evstore append orders A '{"type":"created"}'
  evstore --provider sql append orders A '{"type":"paid"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd, backend.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			ev, err := store.GetEventStream(args[0], args[1]).AddEvent(cmd.Context(), json.RawMessage(args[2]))
			if err != nil && !evstore.Committed(err) {
				return err
			}
			if perr := printJSON(cmd, ev); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newEventsCmd(a *app) *cobra.Command {
	var page evstore.Page
	cmd := &cobra.Command{
		Use:   "events <aggregation> <id>",
		Short: "Print the events of a stream, one JSON object per line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd, backend.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.GetEventStream(args[0], args[1]).GetEvents(cmd.Context(), pageOpts(page)...)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := printJSON(cmd, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addPageFlags(cmd, &page)
	return cmd
}

func newAggregationsCmd(a *app) *cobra.Command {
	var page evstore.Page
	cmd := &cobra.Command{
		Use:   "aggregations",
		Short: "List aggregation names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd, backend.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			names, err := store.GetAggregations(cmd.Context(), pageOpts(page)...)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	addPageFlags(cmd, &page)
	return cmd
}

func newStreamsCmd(a *app) *cobra.Command {
	var page evstore.Page
	cmd := &cobra.Command{
		Use:   "streams <aggregation>",
		Short: "List the stream ids of an aggregation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd, backend.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.GetStreams(cmd.Context(), args[0], pageOpts(page)...)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	addPageFlags(cmd, &page)
	return cmd
}
