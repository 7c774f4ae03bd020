package cmd

import (
	"fmt"

	"github.com/Rovis91/bot-project/avabot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			avabot.Version,
			avabot.CommitSHA,
			avabot.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
