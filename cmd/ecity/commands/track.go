package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/ecity-hub/ecity/client"
	"github.com/ecity-hub/ecity/domain"
	"github.com/ecity-hub/ecity/tracking"
	"github.com/spf13/cobra"
)

// track: follow the live vehicles of one route.
func trackCmd() *cobra.Command {
	var routeID, token string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Poll live vehicle positions of a route",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := client.New(cfg.PublicAPIURL,
				client.WithTokenSource(client.StaticToken(tokenFlag(token))),
				client.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			route, err := api.Transport.Route(cmd.Context(), routeID)
			if err != nil {
				return fmt.Errorf("loading route %s : %w", routeID, err)
			}
			fmt.Printf("tracking %s %s\n", route.Number, route.Name)

			if interval <= 0 {
				interval = cfg.Tracking.Interval
			}
			poller := tracking.NewPoller(func(ctx context.Context) ([]domain.VehiclePosition, error) {
				return api.Transport.Vehicles(ctx, routeID, true)
			}, tracking.WithInterval(interval), tracking.WithLogger(logger))

			snapshots, unsubscribe := poller.Subscribe(1)
			defer unsubscribe()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			done := make(chan error, 1)
			go func() { done <- poller.Run(ctx) }()

			for snapshot := range snapshots {
				if snapshot.Err != nil {
					fmt.Printf("%s  error: %v\n", snapshot.FetchedAt.Format(time.TimeOnly), snapshot.Err)
					continue
				}
				fmt.Printf("%s  %d vehicles\n", snapshot.FetchedAt.Format(time.TimeOnly), len(snapshot.Vehicles))
				for _, vehicle := range snapshot.Vehicles {
					fmt.Printf("  %-10s %.5f,%.5f  %.0f km/h\n", vehicle.VehicleID, vehicle.Latitude, vehicle.Longitude, vehicle.Speed)
				}
			}
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&routeID, "route", "", "route id")
	cmd.Flags().StringVar(&token, "token", "", "access token (default $ECITY_TOKEN)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default tracking.interval)")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}
