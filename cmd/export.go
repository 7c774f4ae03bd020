package cmd

import (
	"log"
	"os"

	"github.com/Rovis91/bot-project/avabot"
	"github.com/spf13/cobra"
)

var (
	exportForumIDs []string
	exportOutput   string
)

var exportCmd = &cobra.Command{
	Use:   "export [flags]",
	Short: "Dump forum channel posts as JSON and exit",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		forumIDs := exportForumIDs
		if len(forumIDs) == 0 && cfg.Discord.ForumChannelID != "" {
			forumIDs = []string{cfg.Discord.ForumChannelID}
		}
		if len(forumIDs) == 0 {
			log.Fatal("no forum channels specified (use --forum or FORUM_ID)")
		}

		exporter, session, err := avabot.ConnectExporter(ctx, cfg)
		if err != nil {
			log.Fatalf("error connecting: %s", err.Error())
		}
		defer func() {
			if closeErr := session.Close(); closeErr != nil {
				log.Printf("error closing session: %v", closeErr)
			}
		}()

		exports, err := exporter.Export(ctx, forumIDs)
		if err != nil {
			log.Fatalf("error exporting forums: %s", err.Error())
		}

		out := os.Stdout
		if exportOutput != "" {
			out, err = os.Create(exportOutput)
			if err != nil {
				log.Fatalf("error creating output file: %s", err.Error())
			}
			defer func() {
				_ = out.Close()
			}()
		}
		if err = avabot.WriteJSON(out, exports); err != nil {
			log.Fatalf("error writing export: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringArrayVar(
		&exportForumIDs,
		"forum",
		nil,
		"Forum channel ID to export (repeatable)",
	)
	exportCmd.Flags().StringVarP(
		&exportOutput,
		"output",
		"o",
		"",
		"Output file (defaults to stdout)",
	)
}
