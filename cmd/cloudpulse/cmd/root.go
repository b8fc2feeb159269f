package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudpulse-io/cloudpulse/internal/common"
	"github.com/cloudpulse-io/cloudpulse/internal/exporter/configuration"
)

const customConfigLocation string = "config"

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cloudpulse",
		SilenceUsage: true,
		Short:        "Polls the cloud management API and republishes it as Prometheus metrics",
	}

	cmd.PersistentFlags().StringSlice(
		customConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(runCmd())

	return cmd
}

func loadConfig() (configuration.ExporterConfiguration, error) {
	var config configuration.ExporterConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(customConfigLocation)

	common.LoadConfig(&config, "./config/cloudpulse", userSpecifiedConfigs)

	return config, config.Validate()
}
