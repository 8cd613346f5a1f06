// Package cmd implements the devicemon command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/devicemon/blob"
	"github.com/relabs-tech/devicemon/core/logger"
)

// Config holds the configuration for the tool. Flags override the
// environment.
type Config struct {
	BrokerURL  string `env:"DEVICEMON_BROKER,default=tcp://localhost:1883" description:"the MQTT broker URL"`
	DeviceID   string `env:"DEVICEMON_DEVICE_ID" description:"the device to talk to"`
	LogFile    string `env:"DEVICEMON_LOG_FILE" description:"redirect logs to this file"`
	BlobDriver string `env:"BLOB_DRIVER" description:"package store driver: S3, Local or empty"`

	S3    blob.S3Configuration
	Local blob.LocalConfiguration
}

var (
	// Global flags
	brokerFlag          string
	deviceIDFlag        string
	logFileFlag         string
	storageDriverFlag   string
	storageEndpointFlag string
	verbosity           int

	// Shared state set during PersistentPreRun
	cfg Config
)

// rootCmd is the base command for devicemon.
var rootCmd = &cobra.Command{
	Use:   "devicemon",
	Short: "Operator tool for an MQTT edge device: twin, commands, deployments",
	Long: `Devicemon talks to a single embedded edge device over MQTT. It mirrors the
device twin, issues direct commands (reboot, image capture, factory reset),
pushes EdgeApp and firmware deployments, and tracks connection liveness.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := envdecode.Decode(&cfg); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if brokerFlag != "" {
			cfg.BrokerURL = brokerFlag
		}
		if deviceIDFlag != "" {
			cfg.DeviceID = deviceIDFlag
		}
		if logFileFlag != "" {
			cfg.LogFile = logFileFlag
		}
		if storageDriverFlag != "" {
			cfg.BlobDriver = storageDriverFlag
		}
		if storageEndpointFlag != "" {
			cfg.S3.Endpoint = storageEndpointFlag
		}

		level := logrus.InfoLevel
		switch {
		case verbosity >= 2:
			level = logrus.TraceLevel
		case verbosity == 1:
			level = logrus.DebugLevel
		}
		logger.InitLogger(level)
		if cfg.LogFile != "" {
			f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return fmt.Errorf("cannot open log file: %w", err)
			}
			logger.SetOutput(f)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerFlag, "broker", "", "MQTT broker URL (default \"tcp://localhost:1883\")")
	rootCmd.PersistentFlags().StringVar(&deviceIDFlag, "device-id", "", "device to talk to")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log", "", "redirect logs to this file")
	rootCmd.PersistentFlags().StringVar(&storageDriverFlag, "storage-driver", "", "package store driver: S3 or Local")
	rootCmd.PersistentFlags().StringVar(&storageEndpointFlag, "storage-endpoint", "", "S3-compatible object storage endpoint, e.g. a local MinIO")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity, repeatable")
}

func requireDeviceID() error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("no device id given, use --device-id or DEVICEMON_DEVICE_ID")
	}
	return nil
}

func blobConfiguration() blob.Configuration {
	c := blob.Configuration{DriverType: blob.DriverType(cfg.BlobDriver)}
	if c.DriverType == blob.DriverTypeS3 {
		s3 := cfg.S3
		c.S3 = &s3
	}
	if c.DriverType == blob.DriverTypeLocal {
		local := cfg.Local
		c.Local = &local
	}
	return c
}
