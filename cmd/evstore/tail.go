package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/codewandler/evstore-go/core/evstore"
	"github.com/codewandler/evstore-go/internal/backend"
)

func newTailCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <aggregation>",
		Short: "Print messages published for an aggregation until interrupted",
		Long: `Print messages published for an aggregation until interrupted.

Only network publishers (nats, redis, rabbitmq, sqs) deliver messages appended
by other processes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd, backend.Options{})
			if err != nil {
				return err
			}
			defer store.Close()

			messages := make(chan evstore.Message, 256)
			sub, err := store.Subscribe(cmd.Context(), args[0], func(msg evstore.Message) {
				select {
				case messages <- msg:
				default:
					a.log.Warn("output lagging, message dropped", msg.Stream.SlogAttr())
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Remove(context.WithoutCancel(cmd.Context())) }()

			a.log.Info("tailing", slog.String("aggregation", args[0]))
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case msg := <-messages:
					if err := printJSON(cmd, msg); err != nil {
						return err
					}
				}
			}
		},
	}
}
