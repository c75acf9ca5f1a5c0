package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gigatiles/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := Options{
		Server: "http://localhost:8080",
		Width:  1024,
		Height: 768,
		Scale:  1,
		Settle: 500 * time.Millisecond,
	}
	var logLevel string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Drive the client tile caches against a running server",
		Long: `
Simulates a map viewport over one layer. The viewport starts centred on the
layer, then runs the pan/zoom script, e.g. "pan:200,0;zoom:2;pan:0,-150".
Every tile update and delete is logged.
`,
		RunE: func(c *cobra.Command, args []string) error {
			log, err := logger.New(logLevel, "probe")
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := Run(ctx, opts, log)
			if err != nil {
				return err
			}
			log.Info("Probe finished",
				zap.Int("updates", summary.Updates),
				zap.Int("deletes", summary.Deletes),
				zap.Int("steps", summary.Steps),
			)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Server, "server", opts.Server, "base URL of the gigatiles server")
	flags.StringVarP(&opts.Layer, "layer", "l", "", "layer id, default is the first layer in the catalog")
	flags.IntVar(&opts.Width, "width", opts.Width, "viewport width in pixels")
	flags.IntVar(&opts.Height, "height", opts.Height, "viewport height in pixels")
	flags.Float64Var(&opts.Scale, "scale", opts.Scale, "initial scale in pixels per world unit, 0 fits the layer")
	flags.StringVar(&opts.Script, "script", "", "semicolon separated pan:dx,dy and zoom:factor steps in pixels")
	flags.StringVar(&opts.Style, "style", "", "style id")
	flags.StringVar(&opts.Filter, "filter", "", "vector property filter, key=value[,key=value]")
	flags.BoolVar(&opts.Labels, "labels", false, "request vector labels")
	flags.DurationVar(&opts.Settle, "settle", opts.Settle, "time to wait for responses after each step")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}
