package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X github.com/relabs-tech/devicemon/cmd/devicemon/cmd.devicemonVersion=x.y.z"
var devicemonVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the devicemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "devicemon version %s\n", devicemonVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
