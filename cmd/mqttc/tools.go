package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/elex-project/mosquitto-examples/internal/api"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/logging"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
)

// defaultToolTimeout bounds a one-shot publish.
const defaultToolTimeout = 10 * time.Second

// connectTool connects a short-lived client under a role-specific id.
// brokerURL, when set, overrides the configured broker.
func connectTool(ctx context.Context, cfg *config.Config, log *logging.Logger, role, brokerURL string) (*mqtt.Client, error) {
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = toolClientID(mqttCfg.Broker.ClientID, role)
	if brokerURL != "" {
		mqttCfg.Broker.URL = brokerURL
	}

	client, err := mqtt.Connect(ctx, mqttCfg, mqtt.WithLogger(log.Component("mqtt").With("role", role)))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", mqttCfg.BrokerURL(), err)
	}
	return client, nil
}

// qosFlag returns the --qos value, or the configured default when the
// flag was not given.
func qosFlag(cmd *cobra.Command, flag int, cfg *config.Config) (byte, error) {
	qos := flag
	if !cmd.Flags().Changed("qos") {
		qos = cfg.MQTT.QoS
	}
	if qos < 0 || qos > 2 {
		return 0, mqtt.ErrInvalidQoS
	}
	return byte(qos), nil
}

func publishCmd(configPath *string) *cobra.Command {
	var (
		topic    string
		message  string
		qos      int
		retained bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadToolConfig(*configPath)
			if err != nil {
				return err
			}
			q, err := qosFlag(cmd, qos, cfg)
			if err != nil {
				return err
			}
			if err := mqtt.ValidateTopic(topic); err != nil {
				return err
			}

			client, err := connectTool(cmd.Context(), cfg, log, "pub", "")
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck // best-effort on exit

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := client.PublishString(ctx, topic, message, q, retained); err != nil {
				return fmt.Errorf("publishing: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tx: %s = %s\n", topic, message)
			return nil
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic to publish to")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message payload")
	cmd.Flags().IntVarP(&qos, "qos", "q", 1, "QoS level 0, 1 or 2 (default mqtt.qos)")
	cmd.Flags().BoolVarP(&retained, "retain", "r", false, "ask the broker to retain the message")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultToolTimeout, "how long to wait for the broker acknowledgment")
	cobra.CheckErr(cmd.MarkFlagRequired("topic"))
	return cmd
}

func subscribeCmd(configPath *string) *cobra.Command {
	var (
		filters  []string
		qos      int
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Print messages matching one or more topic filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadToolConfig(*configPath)
			if err != nil {
				return err
			}
			q, err := qosFlag(cmd, qos, cfg)
			if err != nil {
				return err
			}
			for _, f := range filters {
				if err := mqtt.ValidateFilter(f); err != nil {
					return err
				}
			}

			client, err := connectTool(cmd.Context(), cfg, log, "sub", "")
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck // best-effort on exit

			handler := rxPrinter(cmd.OutOrStdout())
			for _, f := range filters {
				if err := client.Subscribe(f, q, handler); err != nil {
					return fmt.Errorf("subscribing to %s: %w", f, err)
				}
			}
			log.Info("subscribed", "filters", filters, "qos", q)

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&filters, "topic", "t", nil, "topic filter, repeatable (+ and # wildcards)")
	cmd.Flags().IntVarP(&qos, "qos", "q", 1, "QoS level 0, 1 or 2 (default mqtt.qos)")
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (default until interrupted)")
	cobra.CheckErr(cmd.MarkFlagRequired("topic"))
	return cmd
}

// rxPrinter returns a handler that writes "Rx: topic = payload" lines.
// Handlers can run concurrently, so writes are serialised.
func rxPrinter(w io.Writer) mqtt.MessageHandler {
	var mu sync.Mutex
	return func(topic string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintf(w, "Rx: %s = %s\n", topic, payload)
		return err
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with security.jwt.secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadToolConfig(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
			}
			if ttl <= 0 {
				return fmt.Errorf("ttl must be positive")
			}

			token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime (default security.jwt.access_token_ttl)")
	return cmd
}
