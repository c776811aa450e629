package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/smazurov/rtcapture/internal/config"
	"github.com/spf13/cobra"
)

// CreateValidateChannelsCmd creates the validate-channels command.
func CreateValidateChannelsCmd() *cobra.Command {
	var channelsFile string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "validate-channels",
		Short: "Validate a channels.toml file",
		Long: `Parses the channel declarations, checks queue geometry, kinds, completion modes ` +
			`and timeouts, and reports names or streams that are used twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(channelsFile); err != nil {
				return fmt.Errorf("channels file: %w", err)
			}
			cfg, err := config.LoadChannels(channelsFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%s is invalid:\n%w", channelsFile, err)
			}
			if quiet {
				return nil
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tSTREAM\tDEPTH\tPROGRAMS\tCOMPLETION")
			for _, ch := range cfg.Channels {
				completion := ch.Completion
				if completion == "" {
					completion = config.CompletionBlocking
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					ch.Name, ch.Kind, ch.StreamKey(), ch.QueueDepth, ch.ProgramQueueDepth, completion)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d channel(s) OK\n", channelsFile, len(cfg.Channels))
			return nil
		},
	}

	cmd.Flags().StringVarP(&channelsFile, "channels", "f", "channels.toml", "Channel declarations file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only report errors")
	return cmd
}
