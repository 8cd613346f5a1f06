package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var watchIntervalFlag time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a one-shot snapshot of the device state",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		time.Sleep(configWaitFlag)
		fmt.Fprint(cmd.OutOrStdout(), formatSnapshot(s.Snapshot()))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously print the device state",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		signalCh := make(chan os.Signal, 1)
		signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signalCh)

		ticker := time.NewTicker(watchIntervalFlag)
		defer ticker.Stop()
		for {
			fmt.Fprint(cmd.OutOrStdout(), formatSnapshot(s.Snapshot()))
			fmt.Fprintln(cmd.OutOrStdout())
			select {
			case <-signalCh:
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	statusCmd.Flags().DurationVar(&configWaitFlag, "wait", 5*time.Second, "how long to wait for device reports")
	watchCmd.Flags().DurationVar(&watchIntervalFlag, "interval", 5*time.Second, "refresh interval")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}
