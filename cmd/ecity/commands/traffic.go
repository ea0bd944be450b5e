package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/ecity-hub/ecity/domain"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func trafficCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traffic",
		Short: "Inspect recorded backend traffic",
	}

	var limit int
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent exchanges",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepository()
			if err != nil {
				return err
			}
			defer repo.Close()

			out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			seen := make(map[uuid.UUID]struct{})
			show := func() error {
				exchanges, err := repo.GetExchanges(limit)
				if err != nil {
					return err
				}
				// oldest first so the newest line ends up at the bottom
				for i := len(exchanges) - 1; i >= 0; i-- {
					exchange := exchanges[i]
					if _, ok := seen[exchange.ID]; ok {
						continue
					}
					seen[exchange.ID] = struct{}{}
					printExchange(out, exchange)
				}
				return out.Flush()
			}

			if err := show(); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					if ctx.Err() == context.Canceled {
						return nil
					}
					return ctx.Err()
				case <-ticker.C:
					if err := show(); err != nil {
						return err
					}
				}
			}
		},
	}
	tail.Flags().IntVarP(&limit, "limit", "n", 20, "number of exchanges to show")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new exchanges")
	cmd.AddCommand(tail)
	return cmd
}

func printExchange(out *tabwriter.Writer, exchange *domain.Exchange) {
	user := exchange.UserID
	if user == "" {
		user = "-"
	}
	fmt.Fprintf(out, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
		exchange.RequestedAt.Local().Format(time.TimeOnly),
		exchange.App,
		exchange.Method,
		exchange.StatusCode,
		exchange.Duration().Round(time.Millisecond),
		user,
		exchange.Path,
	)
}
