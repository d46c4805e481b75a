package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LincolnLPC/bunker-LPC-sub000/internal/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("failed to load .env")
	}
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bunker-player",
		Short:         "Join a Bunker room as a player or spectator and keep game state and video in sync.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(newPlayCmd(), newInviteCmd())
	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}
