package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-sync/internal/bus"
	"qms/queue-sync/internal/client"
	"qms/queue-sync/internal/config"
	"qms/queue-sync/internal/logging"
	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/session"

	"github.com/spf13/cobra"
)

func moveCmd() *cobra.Command {
	var queueID, targetCounterID, targetStatus, actorID string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Move a patient to another counter and wait for the bus to carry it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return errors.New("move needs NATS_URL")
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			api := client.New(cfg.APIURL, client.WithActor(actorID))
			entry, err := api.GetEntry(ctx, queueID)
			if err != nil {
				return fmt.Errorf("load entry: %w", err)
			}

			natsCfg := *cfg
			natsCfg.NATSEmbedded = false
			natsBus, err := connectNATS(&natsCfg, "queue-sync-move", logger)
			if err != nil {
				return err
			}
			defer natsBus.Close()

			echoed := make(chan bus.Change, 1)
			s, err := session.Open(session.Config{
				FacilityID:  entry.FacilityID,
				ActorID:     actorID,
				Primary:     natsBus.channel,
				DedupWindow: cfg.DedupWindow(),
				Logger:      logger,
				OnBusEcho: func(_ models.MoveOperation, c bus.Change) {
					select {
					case echoed <- c:
					default:
					}
				},
			})
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.Move(ctx, api, entry, targetCounterID, targetStatus)
			if err != nil {
				return err
			}
			select {
			case c := <-echoed:
				logger.Debug().Str("source", c.Source).Str("change_id", c.ChangeID).Msg("move seen on bus")
			case <-ctx.Done():
				return ctx.Err()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&queueID, "queue", "", "queue entry id")
	cmd.Flags().StringVar(&targetCounterID, "to", "", "target counter id")
	cmd.Flags().StringVar(&targetStatus, "status", models.StatusWaiting, "status at the target counter")
	cmd.Flags().StringVar(&actorID, "actor", "", "staff member performing the move")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall timeout")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
