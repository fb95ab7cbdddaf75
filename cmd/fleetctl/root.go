package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/control"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

type publisher interface {
	Publish(subject string, data []byte, headers map[string]string) error
}

// globals are the flags shared by every subcommand.
type globals struct {
	natsURL  string
	prefix   string
	logLevel string
}

func newRootCmd(version string) *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "Control a Daisi WA bot fleet over NATS",
		Long: `fleetctl publishes control commands to the fleet's control stream.
Every command targets one tenant and is executed by exactly one replica.

Examples:
  fleetctl session start tenant_a --watch-qr 120
  fleetctl reminder add tenant_a 628123456789@s.whatsapp.net --due 2026-11-01T09:00:00Z --every 30
  fleetctl broadcast tenant_a --template "Hola {name}" --status CUSTOMER
  fleetctl load --tenants tenant_a,tenant_b --rate 50 --duration 1m`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return logger.Initialize(g.logLevel)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			logger.Sync()
		},
	}

	defaultURL := nats.DefaultURL
	if cfg, err := config.LoadConfig(""); err == nil && cfg.NATS.URL != "" {
		defaultURL = cfg.NATS.URL
	}

	rootCmd.PersistentFlags().StringVar(&g.natsURL, "url", defaultURL, "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&g.prefix, "prefix", control.DefaultSubjectPrefix, "control subject prefix")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newSessionCmd(g),
		newConfigCmd(g),
		newReminderCmd(g),
		newClientCmd(g),
		newBroadcastCmd(g),
		newLoadCmd(g),
	)
	return rootCmd
}

// connect opens a JetStream client for a single CLI invocation.
func (g *globals) connect() (*jetstream.Client, error) {
	client, err := jetstream.NewClient(g.natsURL, "fleetctl")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", g.natsURL, err)
	}
	return client, nil
}

// send marshals payload and publishes it as command for tenantID.
func send(pub publisher, prefix, tenantID, command string, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", command, err)
		}
	}

	subject := control.Subject(prefix, tenantID, command)
	headers := map[string]string{nats.MsgIdHdr: uuid.NewString()}
	if err := pub.Publish(subject, data, headers); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	logger.Log.Debug("Command published", zap.String("subject", subject), zap.Int("payload_bytes", len(data)))
	return nil
}

// publishOne connects, sends one command and closes.
func (g *globals) publishOne(tenantID, command string, payload any) error {
	client, err := g.connect()
	if err != nil {
		return err
	}
	defer client.Close()
	if err := send(client, g.prefix, tenantID, command, payload); err != nil {
		return err
	}
	logger.Log.Info("Command sent", zap.String("tenant_id", tenantID), zap.String("command", command))
	return nil
}
