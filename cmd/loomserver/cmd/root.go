package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	commonconfig "github.com/It4innovations/HyperLoom-sub000/internal/common/config"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/server"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/loomserver"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "loomserver",
		SilenceUsage: true,
		Short:        "Coordinates task graphs over a fleet of workers",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		workerCmd(),
		submitCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, logging.ConfigureApplicationLogging(config.Logging)
}

// endpoint is how processes other than the server reach it. Only the nats transport crosses process boundaries.
func endpoint(config configuration.Configuration, natsUrl string) (server.Endpoint, error) {
	if config.Transport.Kind != configuration.NatsTransport {
		return server.Endpoint{}, errors.Errorf("the %s transport is only reachable from inside the server process", config.Transport.Kind)
	}
	if natsUrl == "" {
		natsUrl = config.Transport.Nats.Url
	}
	if natsUrl == "" {
		natsUrl = fmt.Sprintf("nats://127.0.0.1:%d", config.Transport.Nats.EmbeddedPort)
	}
	return server.Endpoint{NatsUrl: natsUrl, SubjectPrefix: config.Transport.Nats.SubjectPrefix}, nil
}
