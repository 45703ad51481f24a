package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hillnz/yt-cast/devices"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List Cast receivers on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		list, err := devices.Discover(cmd.Context(), cfg.Cast.DiscoveryTimeout)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tNAME\tADDRESS\tTYPE")
		for i, d := range list {
			kind := "video"
			if d.IsAudioOnly {
				kind = "audio"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, d.Name, d.Addr, kind)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
