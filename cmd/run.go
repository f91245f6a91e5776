package cmd

import (
	"log"

	"github.com/ajmoreau/wavelength/wavelength"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Wavelength relay bot and (optionally) the status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := wavelength.New(cfg)
		if err != nil {
			log.Fatalf("error creating wavelength: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running wavelength: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
