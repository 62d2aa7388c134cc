// Command toxrelayd runs a message relay for one device.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/toxrelay"
	"github.com/opd-ai/toxrelay/config"
	"github.com/opd-ai/toxrelay/factory"
	"github.com/opd-ai/toxrelay/metrics"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "toxrelayd",
		Short:         "Message delivery relay for one device",
		Long:          "toxrelayd delivers opaque messages over a streaming channel with a polling fallback and reconciles missed messages after every gap.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(runCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("toxrelayd failed")
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is a started relay together with everything that must be torn
// down after it.
type session struct {
	relay         *toxrelay.Relay
	collaborators *factory.Collaborators
	shutdown      func(context.Context) error
}

func startSession(ctx context.Context, cfg *config.Config) (*session, error) {
	shutdownMetrics := func(context.Context) error { return nil }
	if cfg.Metrics.Enabled {
		var err error
		shutdownMetrics, err = metrics.InitProvider(ctx, metrics.ExportConfig{
			Endpoint:    cfg.Metrics.Endpoint,
			Interval:    cfg.Metrics.ExportInterval,
			ServiceName: cfg.Metrics.ServiceName,
			DeviceID:    cfg.DeviceID,
		})
		if err != nil {
			return nil, err
		}
	}

	m, err := metrics.NewMetrics(nil)
	if err != nil {
		return nil, err
	}

	f, err := factory.NewRelayFactory(cfg)
	if err != nil {
		return nil, err
	}
	relay, collaborators, err := f.NewRelay(m, nil)
	if err != nil {
		return nil, err
	}
	if err := relay.Start(ctx); err != nil {
		collaborators.Close()
		return nil, err
	}

	return &session{
		relay:         relay,
		collaborators: collaborators,
		shutdown:      shutdownMetrics,
	}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.relay.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Relay shutdown incomplete")
	}
	if err := s.collaborators.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close collaborators")
	}
	if err := s.shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to flush metrics")
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := startSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.close()

			events, cancel := s.relay.Subscribe(0)
			defer cancel()

			logrus.WithFields(logrus.Fields{
				"device_id": cfg.DeviceID,
				"transport": s.relay.TransportState().String(),
			}).Info("toxrelayd running")

			for {
				select {
				case <-ctx.Done():
					logrus.Info("Shutting down")
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					logrus.WithFields(logrus.Fields{
						"type":            ev.Type,
						"message_id":      ev.MessageID,
						"conversation_id": ev.ConversationID,
						"state":           ev.State.String(),
					}).Info("Message event")
				}
			}
		},
	}
}

func sendCmd() *cobra.Command {
	var (
		wait time.Duration
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <conversation> <payload>",
		Short: "Send one message and wait for it to settle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := startSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.close()

			events, cancel := s.relay.Subscribe(0)
			defer cancel()

			var expiresAt time.Time
			if ttl > 0 {
				expiresAt = time.Now().Add(ttl)
			}
			msg, err := s.relay.SendWithExpiration(ctx, args[0], "", []byte(args[1]), expiresAt)
			if err != nil {
				return err
			}

			timeout := time.After(wait)
			for !msg.State.IsTerminal() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timeout:
					return fmt.Errorf("message %s still %s after %s", msg.ID, msg.State, wait)
				case ev, ok := <-events:
					if !ok {
						return fmt.Errorf("relay closed before message %s settled", msg.ID)
					}
					if ev.MessageID == msg.ID {
						msg.State = ev.State
					}
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", msg.ID, msg.State)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for delivery")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the message after this long (0 never expires)")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.API.Token = redact(cfg.API.Token)
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
