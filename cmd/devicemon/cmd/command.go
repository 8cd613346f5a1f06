package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/devicemon/rpc"
	"github.com/relabs-tech/devicemon/session"
)

var imageOutputFlag string

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := runCommand(rpc.Reboot)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device acknowledged reboot: %s\n", result.ResInfo.CodeString())
		return nil
	},
}

var getImageCmd = &cobra.Command{
	Use:   "get-image",
	Short: "Capture an image from the device camera",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := runCommand(rpc.DirectGetImage)
		if err != nil {
			return err
		}
		if err := os.WriteFile(imageOutputFlag, result.Image, 0600); err != nil {
			return fmt.Errorf("cannot write image: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(result.Image), imageOutputFlag)
		return nil
	},
}

var factoryResetCmd = &cobra.Command{
	Use:   "factory-reset",
	Short: "Reset the device to factory defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := runCommand(rpc.FactoryReset)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device acknowledged factory reset: %s\n", result.ResInfo.CodeString())
		return nil
	},
}

// runCommand connects, issues the command and waits for it to resolve.
func runCommand(kind rpc.Kind) (rpc.Result, error) {
	s, cleanup, err := openSession()
	if err != nil {
		return rpc.Result{}, err
	}
	defer cleanup()

	requestID, err := s.SendCommand(kind, nil)
	if err != nil {
		return rpc.Result{}, err
	}

	result, err := awaitCommand(s, kind)
	if err != nil {
		return rpc.Result{}, fmt.Errorf("%s (request %d): %w", kind, requestID, err)
	}
	return result, nil
}

func awaitCommand(s *session.Session, kind rpc.Kind) (rpc.Result, error) {
	deadline := time.Now().Add(session.DefaultCommandTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot().Commands[kind] != rpc.Pending {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	result, ok := s.CommandResult(kind)
	if !ok {
		return rpc.Result{}, fmt.Errorf("no result")
	}
	switch result.State {
	case rpc.Completed:
		return result, nil
	case rpc.TimedOut:
		return result, fmt.Errorf("no response from device")
	default:
		if result.Err != nil {
			return result, fmt.Errorf("%s: %w", result.ResInfo.CodeString(), result.Err)
		}
		return result, fmt.Errorf("device rejected the command: %s", result.ResInfo.CodeString())
	}
}

func init() {
	getImageCmd.Flags().StringVarP(&imageOutputFlag, "output", "o", "image.jpg", "file the captured image is written to")
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(getImageCmd)
	rootCmd.AddCommand(factoryResetCmd)
}
