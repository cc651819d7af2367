package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/bootstrap"
	"github.com/dgnsrekt/consensus-relay/internal/codec"
)

func keygenCmd() *cobra.Command {
	var (
		save bool
		dir  string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a symmetric key",
		Long: `Generate a random 32-byte AES-256 key and print it in base64.

Examples:
  # Print a key for SYMMETRIC_KEY_B64
  relay keygen

  # Write the key where relay serve will find it
  relay keygen --save --dir /var/lib/relay`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := codec.GenerateKey()
			if err != nil {
				return err
			}

			if save {
				store := bootstrap.NewStore(dir)
				if _, ok, err := store.LoadKey(); err == nil && ok {
					return fmt.Errorf("%s already holds a key; remove it first", store.KeyPath())
				}
				if err := store.SaveKey(key); err != nil {
					return err
				}
				logger.Info("key saved", zap.String("path", store.KeyPath()))
			}

			fmt.Fprintln(cmd.OutOrStdout(), codec.EncodeKey(key))
			return nil
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "persist the key to the state directory")
	cmd.Flags().StringVar(&dir, "dir", ".", "state directory for --save")

	return cmd
}
