package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentcore/internal/config"
	"agentcore/internal/eventbus"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the event dead-letter queue",
	Long: `Inspect and replay dead-lettered events in the shared store.

Replay delivers the event once more to the webhook subscription that failed
it. Dead letters of in-process callback subscriptions are replayed through the
admin API of the serve process that hosts them.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events",
	Args:  cobra.NoArgs,
	RunE:  runDLQList,
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <dead-letter-id>...",
	Short: "Deliver dead-lettered events again to the subscription that failed them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDLQReplay,
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dls, err := eventbus.ListDeadLetters(cmd.Context(), st)
	if err != nil {
		return err
	}
	if len(dls) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter queue is empty.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tTYPE\tSUBSCRIBER\tATTEMPTS\tFAILED AT\tREASON")
	for _, dl := range dls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.ID, dl.Event.ID, dl.Event.Type, dl.SubscriberID, dl.Attempts,
			dl.FailedAt.Local().Format(time.DateTime), dl.Reason)
	}
	return tw.Flush()
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Driver == "memory" {
		fmt.Fprintln(os.Stderr, "warning: the memory store is private to this process; there is nothing to replay")
	}
	st, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New(st, eventbus.Config{
		EventTTL: config.Duration(cfg.EventBus.EventTTLMS, 0),
		Channel:  cfg.EventBus.Channel,
	}, nil, logger)
	defer bus.Close()

	// Only webhook subscriptions can be hosted here; callback subscriptions
	// belong to the serving process and are replayed through its admin API.
	if _, err := bus.Restore(cmd.Context()); err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}

	for _, id := range args {
		delivered, err := bus.ReplayDeadLetter(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("replay %s: %w", id, err)
		}
		if !delivered {
			fmt.Fprintf(cmd.OutOrStdout(), "replay of %s failed again, kept in the queue\n", id)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", id)
	}
	return nil
}
