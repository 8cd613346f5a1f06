package cmd

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/devicemon/twin"
)

var (
	configWaitFlag time.Duration
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change the device configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the device-reported configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		// the reported tree fills from the device's own state reports
		time.Sleep(configWaitFlag)
		fmt.Fprint(cmd.OutOrStdout(), formatSnapshot(s.Snapshot()))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Submit one desired configuration value",
	Long: `Submits a desired value for a writable property path, e.g.

  devicemon config set system_settings.led_enabled true
  devicemon config set network_settings.ip_method '"dhcp"'

The value is JSON. The command waits for the device to acknowledge the value
by reporting it back; a device that keeps reporting a different value means
the configuration was rejected or is stuck.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		descriptor, ok := twin.DefaultSchema().Lookup(path)
		if !ok {
			return fmt.Errorf("unknown property path '%s'", path)
		}
		value, err := twin.DecodeValue(descriptor.Kind, json.RawMessage(args[1]))
		if err != nil {
			return fmt.Errorf("cannot decode value for %s: %w", path, err)
		}

		s, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := s.SubmitDesired(path, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s = %s\n", path, value)

		deadline := time.Now().Add(configWaitFlag)
		for time.Now().Before(deadline) {
			pending, outstanding := s.Snapshot().Twin.Desired[path]
			if !outstanding {
				fmt.Fprintln(cmd.OutOrStdout(), "Device acknowledged the value.")
				return nil
			}
			if pending.Diverged {
				return fmt.Errorf("device does not accept the value, still reporting a different one")
			}
			time.Sleep(200 * time.Millisecond)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No acknowledgement yet, the value stays pending.")
		return nil
	},
}

func init() {
	configCmd.PersistentFlags().DurationVar(&configWaitFlag, "wait", 5*time.Second, "how long to wait for device reports")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
