package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/bootstrap"
	"github.com/dgnsrekt/consensus-relay/internal/config"
)

var errMemoryBackend = errors.New("the memory backend lives inside relay serve; use the hedera backend")

func topicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Manage consensus topics",
	}
	cmd.AddCommand(topicCreateCmd())
	return cmd
}

func topicCreateCmd() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new topic and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Network.Backend == config.BackendMemory {
				return errMemoryBackend
			}

			store := bootstrap.NewStore(cfg.Bootstrap.StateDir)
			if save {
				if id, ok, err := store.LoadTopic(); err == nil && ok {
					return fmt.Errorf("%s already holds topic %s; remove it first", store.TopicPath(), id)
				}
			}

			svc, closeService, err := newLogService(cfg, logger)
			if err != nil {
				return err
			}
			defer closeService()

			topicID, err := svc.CreateTopic(cmd.Context())
			if err != nil {
				return fmt.Errorf("creating topic: %w", err)
			}

			if save {
				if err := store.SaveTopic(topicID); err != nil {
					return err
				}
				logger.Info("topic saved", zap.String("path", store.TopicPath()))
			}

			fmt.Fprintln(cmd.OutOrStdout(), topicID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "persist the topic id to the state directory")

	return cmd
}
