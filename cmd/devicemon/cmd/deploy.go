package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/devicemon/blob"
	"github.com/relabs-tech/devicemon/deploy"
	"github.com/relabs-tech/devicemon/session"
)

var (
	moduleNameFlag  string
	entryPointFlag  string
	moduleImplFlag  string
	instanceFlag    string
	fwComponentFlag string
	fwChipFlag      string
	fwVersionFlag   string
	noFollowFlag    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Push EdgeApp modules and firmware to the device",
}

var deployEdgeAppCmd = &cobra.Command{
	Use:   "edgeapp <package-file>",
	Short: "Deploy an EdgeApp module package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		name := moduleNameFlag
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}
		hash := sha256.Sum256(data)

		module := session.ModulePackage{
			Name:       name,
			EntryPoint: entryPointFlag,
			ModuleImpl: moduleImplFlag,
			Hash:       hex.EncodeToString(hash[:]),
			Data:       data,
		}
		deployment := session.EdgeAppDeployment{Modules: []session.ModulePackage{module}}
		if instanceFlag != "" {
			deployment.Instances = []session.InstanceBinding{{
				Name:     instanceFlag,
				ModuleID: name,
				Version:  1,
			}}
		}

		s, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		deploymentID, err := s.DeployEdgeApp(context.Background(), deployment)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s published.\n", deploymentID)
		if noFollowFlag {
			return nil
		}
		return followDeployment(cmd, s, deploy.EdgeAppModule)
	},
}

var deployFirmwareCmd = &cobra.Command{
	Use:   "firmware <package-file>",
	Short: "Deploy a firmware image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		hash := sha256.Sum256(data)

		deployment := session.FirmwareDeployment{
			Version: fwVersionFlag,
			Targets: []session.FirmwarePackage{{
				Component: fwComponentFlag,
				Chip:      fwChipFlag,
				Version:   fwVersionFlag,
				Hash:      hex.EncodeToString(hash[:]),
				Size:      len(data),
				Data:      data,
			}},
		}

		s, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		reqID, err := s.DeployFirmware(context.Background(), deployment)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Firmware deployment %s published.\n", reqID)
		if noFollowFlag {
			return nil
		}
		return followDeployment(cmd, s, deploy.OtaFirmware)
	},
}

var deployCancelCmd = &cobra.Command{
	Use:   "cancel (edgeapp|firmware)",
	Short: "Cancel the running deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target deploy.Target
		switch args[0] {
		case "edgeapp":
			target = deploy.EdgeAppModule
		case "firmware":
			target = deploy.OtaFirmware
		default:
			return fmt.Errorf("unknown deployment target '%s'", args[0])
		}

		s, cleanup, err := openSession()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := s.CancelDeployment(target); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cancel published, the device withdraws the deployment.")
		return nil
	},
}

var deployPackagesCmd = &cobra.Command{
	Use:   "packages [prefix]",
	Short: "List staged packages in the object store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blob.NewStore(blobConfiguration())
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("no package store configured, set BLOB_DRIVER or --storage-driver")
		}
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		keys, err := store.ListAllWithPrefix(context.Background(), prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), key)
		}
		return nil
	},
}

// followDeployment prints device progress until the job is terminal or the
// operator interrupts. Long OTA runs are normal, there is no timeout here.
func followDeployment(cmd *cobra.Command, s *session.Session, target deploy.Target) error {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	last := deploy.State(-1)
	for {
		job := s.Snapshot().Deployments[target]
		if job.State != last {
			last = job.State
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", target, job.State)
			for _, fwTarget := range job.FirmwareTargets {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s/%s: %s %d%%\n",
					fwTarget.Chip, fwTarget.Component, fwTarget.ProcessState, fwTarget.Progress)
			}
		}
		if job.State.Terminal() {
			if job.State == deploy.Failed {
				if job.Cause != nil {
					return fmt.Errorf("deployment failed: %w", job.Cause)
				}
				return fmt.Errorf("deployment failed")
			}
			return nil
		}
		select {
		case <-signalCh:
			fmt.Fprintln(cmd.OutOrStdout(), "Detached, the deployment keeps running on the device.")
			return nil
		case <-time.After(time.Second):
		}
	}
}

func init() {
	deployEdgeAppCmd.Flags().StringVar(&moduleNameFlag, "name", "", "module name (default: package file name)")
	deployEdgeAppCmd.Flags().StringVar(&entryPointFlag, "entry-point", "main", "module entry point")
	deployEdgeAppCmd.Flags().StringVar(&moduleImplFlag, "module-impl", "wasm", "module implementation type")
	deployEdgeAppCmd.Flags().StringVar(&instanceFlag, "instance", "", "also bind the module to this runtime instance")
	deployFirmwareCmd.Flags().StringVar(&fwComponentFlag, "component", "firmware", "firmware component")
	deployFirmwareCmd.Flags().StringVar(&fwChipFlag, "chip", "ApFw", "target chip")
	deployFirmwareCmd.Flags().StringVar(&fwVersionFlag, "fw-version", "", "firmware version")
	deployCmd.PersistentFlags().BoolVar(&noFollowFlag, "no-follow", false, "do not wait for device progress")
	deployCmd.AddCommand(deployEdgeAppCmd)
	deployCmd.AddCommand(deployFirmwareCmd)
	deployCmd.AddCommand(deployCancelCmd)
	deployCmd.AddCommand(deployPackagesCmd)
	rootCmd.AddCommand(deployCmd)
}
