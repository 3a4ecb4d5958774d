package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-sync/internal/bus"
	"qms/queue-sync/internal/config"
	"qms/queue-sync/internal/logging"
	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/session"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var facilityID, counterID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print queue changes for a facility as a staff screen sees them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg, logger, cmd.OutOrStdout(), facilityID, counterID)
		},
	}
	cmd.Flags().StringVar(&facilityID, "facility", "", "facility id")
	cmd.Flags().StringVar(&counterID, "counter", "", "only print changes touching this counter")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config, logger zerolog.Logger, out io.Writer, facilityID, counterID string) error {
	if cfg.NATSURL == "" {
		return errors.New("watch needs NATS_URL")
	}
	natsCfg := *cfg
	natsCfg.NATSEmbedded = false
	natsBus, err := connectNATS(&natsCfg, "queue-sync-watch", logger)
	if err != nil {
		return err
	}
	defer natsBus.Close()

	s, err := session.Open(session.Config{
		FacilityID:  facilityID,
		Primary:     natsBus.channel,
		DedupWindow: cfg.DedupWindow(),
		Logger:      logger,
		OnQueueChanged: func(c bus.Change) {
			if counterID != "" && c.CounterID != counterID && !entryAt(c.Entry, counterID) {
				return
			}
			fmt.Fprintln(out, formatChange(c))
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(out, "watching facility %s\n", facilityID)
	<-ctx.Done()
	return nil
}

func entryAt(entry *models.QueueEntry, counterID string) bool {
	return entry != nil && entry.AtCounter(counterID)
}

func formatChange(c bus.Change) string {
	number := ""
	if c.Entry != nil {
		number = c.Entry.Number
	}
	return fmt.Sprintf("%s  queue=%s number=%s counter=%s status=%s via=%s",
		time.Now().Format("15:04:05"), c.QueueID, number, c.CounterID, c.Status, c.Source)
}
