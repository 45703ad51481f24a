package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hillnz/yt-cast/utils"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that ffmpeg and yt-dlp are installed and recent enough",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		failed := false

		for _, t := range []utils.Tool{
			utils.YtDlpTool(cfg.Resolver.Path),
			utils.FFmpegTool(cfg.Transcode.FFmpegPath),
		} {
			r := utils.CheckTool(cmd.Context(), t)
			switch {
			case r.OK():
				fmt.Fprintf(out, "ok      %-8s %s (%s)\n", t.Name, r.Version, t.Path)
			case !r.Found:
				failed = true
				fmt.Fprintf(out, "missing %-8s %v\n", t.Name, r.Err)
			default:
				failed = true
				fmt.Fprintf(out, "old     %-8s %s, need %s: %v\n", t.Name, r.Version, t.MinVersion, r.Err)
			}
		}

		if failed {
			return errors.New("some required tools are missing or outdated")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
