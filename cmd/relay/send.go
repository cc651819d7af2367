package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/codec"
	"github.com/dgnsrekt/consensus-relay/internal/config"
	"github.com/dgnsrekt/consensus-relay/internal/fanout"
)

func sendCmd() *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Submit one message to the relay's topic",
		Long: `Submit one message to the topic the relay serves, encrypted with its key.

Examples:
  relay send "hello"

  # Submit without encryption; viewers see it flagged as undecryptable
  relay send --plain "hello"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Network.Backend == config.BackendMemory {
				return errMemoryBackend
			}

			topicID, key, err := existingTopicAndKey(cfg)
			if err != nil {
				return err
			}

			payload := []byte(args[0])
			if !plain {
				if payload, err = codec.Encrypt(key, payload); err != nil {
					return err
				}
			}

			svc, closeService, err := newLogService(cfg, logger)
			if err != nil {
				return err
			}
			defer closeService()

			ts, err := svc.Submit(cmd.Context(), topicID, payload)
			if err != nil {
				return fmt.Errorf("submitting message: %w", err)
			}
			if ts.IsZero() {
				logger.Warn("commit time unavailable, using local time")
				ts = time.Now()
			}

			logger.Debug("message submitted", zap.String("topicId", topicID), zap.Bool("encrypted", !plain))
			fmt.Fprintln(cmd.OutOrStdout(), fanout.FormatTimestamp(ts))
			return nil
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "submit the message unencrypted")

	return cmd
}
