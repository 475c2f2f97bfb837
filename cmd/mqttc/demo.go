package main

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
)

// Demo defaults.
const (
	demoFilter  = "hello/#"
	demoMessage = "Hahaha, ..."
	demoWait    = 10 * time.Second
)

// demoTopic is where the demo publisher sends.
var demoTopic = strings.Join([]string{"hello", "mosquitto"}, "/")

// demoCmd runs the hello world exchange: one client subscribes to hello/#
// over the configured broker (TLS when configured), a second client
// publishes to hello/mosquitto, both at QoS 1.
func demoCmd(configPath *string) *cobra.Command {
	var (
		publisherURL string
		message      string
		wait         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Subscribe to hello/# and publish to hello/mosquitto",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadToolConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			subscriber, err := connectTool(ctx, cfg, log, "demo-sub", "")
			if err != nil {
				return err
			}
			defer subscriber.Close() //nolint:errcheck // best-effort on exit

			var received atomic.Int64
			printRx := rxPrinter(out)
			err = subscriber.Subscribe(demoFilter, 1, func(topic string, payload []byte) error {
				received.Add(1)
				return printRx(topic, payload)
			})
			if err != nil {
				return fmt.Errorf("subscribing to %s: %w", demoFilter, err)
			}

			publisher, err := connectTool(ctx, cfg, log, "demo-pub", publisherURL)
			if err != nil {
				return err
			}
			defer publisher.Close() //nolint:errcheck // best-effort on exit

			pubCtx, cancel := context.WithTimeout(ctx, defaultToolTimeout)
			defer cancel()
			if err := publisher.PublishString(pubCtx, demoTopic, message, 1, false); err != nil {
				return fmt.Errorf("publishing: %w", err)
			}
			fmt.Fprintf(out, "Tx: %s = %s\n", demoTopic, message)

			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}

			if received.Load() == 0 {
				log.Warn("demo finished without receiving a message", "filter", demoFilter)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&publisherURL, "publisher-url", "", "broker URL for the publisher (default mqtt.broker)")
	cmd.Flags().StringVarP(&message, "message", "m", demoMessage, "message payload")
	cmd.Flags().DurationVar(&wait, "wait", demoWait, "how long to listen before closing both clients")
	return cmd
}
