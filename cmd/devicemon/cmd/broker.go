package cmd

import (
	"github.com/spf13/cobra"

	"github.com/relabs-tech/devicemon/mqtt"
)

var (
	brokerAddressFlag string
	brokerEchoFlag    bool
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run an embedded MQTT broker for local development",
	Long: `Runs a plain-TCP MQTT broker that accepts any client. Useful for developing
against a simulated device without an external broker. With --echo-config the
broker plays the device's part for configuration: every desired configuration
is echoed back as a state report, so submitted values acknowledge instantly.
Not for production.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, err := mqtt.NewBroker(mqtt.BrokerBuilder{
			Address:           brokerAddressFlag,
			EchoConfiguration: brokerEchoFlag,
		})
		if err != nil {
			return err
		}
		return broker.Run()
	},
}

func init() {
	brokerCmd.Flags().StringVar(&brokerAddressFlag, "address", ":1883", "TCP listen address")
	brokerCmd.Flags().BoolVar(&brokerEchoFlag, "echo-config", false, "echo desired configuration back as device state")
	rootCmd.AddCommand(brokerCmd)
}
