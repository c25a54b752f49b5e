package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JoeGlenn1213/lgh/internal/events"
)

func newEventsCommand(a *app) *cobra.Command {
	var (
		watch      bool
		from       uint64
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print or stream the event log",
		Long: `Print the event log, or stream live events from the running daemon.

Without --from the newest --limit events are printed. With --watch, events
are streamed from the daemon's event socket; --from first replays every
retained event with a sequence number at or above it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			emit := func(event events.Event) error {
				return printEvent(out, event, jsonOutput)
			}

			if watch {
				var fromPtr *uint64
				if cmd.Flags().Changed("from") {
					fromPtr = &from
				}
				return watchEvents(cmd, a.cfg.SocketPath(), fromPtr, emit)
			}

			log := events.NewLog(a.cfg.EventLogPath())
			if !cmd.Flags().Changed("from") && limit > 0 {
				bounds, err := log.Bounds()
				if err != nil {
					return err
				}
				if bounds.Last >= uint64(limit) {
					from = bounds.Last - uint64(limit) + 1
				}
			}
			list, err := log.ReadFrom(from, limit)
			if err != nil {
				return err
			}
			for _, event := range list {
				if err := emit(event); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream live events from the daemon")
	cmd.Flags().Uint64Var(&from, "from", 0, "first sequence number to print or replay")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of events to print (0 for all)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print one JSON object per line")
	return cmd
}

func watchEvents(cmd *cobra.Command, socketPath string, from *uint64, emit func(events.Event) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := events.Dial(ctx, socketPath, from)
	if err != nil {
		return fmt.Errorf("%w (is the daemon running? start it with `lgh serve`)", err)
	}
	defer client.Close()

	for {
		event, err := client.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("daemon closed the event stream")
			}
			return err
		}
		if err := emit(event); err != nil {
			return err
		}
	}
}

func printEvent(w io.Writer, event events.Event, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		printf(w, "%s\n", data)
		return nil
	}

	payload := ""
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return err
		}
		payload = string(data)
	}
	printf(w, "%6d  %s  %-6s  %-20s  %s\n",
		event.Seq, event.Time.Local().Format(time.DateTime), event.Kind, event.Repo, payload)
	return nil
}
