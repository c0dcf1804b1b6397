package cmd

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/app"
	"github.com/It4innovations/HyperLoom-sub000/internal/server"
	"github.com/It4innovations/HyperLoom-sub000/internal/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs a simulated worker connected to the server over nats",
		RunE:  runWorker,
	}
	cmd.Flags().String("address", "", "Address the worker registers under (defaults to the hostname and a random suffix)")
	cmd.Flags().Int("cpus", 0, "Number of cpus offered (0 uses every cpu of the machine)")
	cmd.Flags().StringSlice("taskTypes", nil, "Task types announced to the server (defaults to every simulated type)")
	cmd.Flags().String("workDir", "", "Directory relative checkpoint paths are resolved against")
	cmd.Flags().String("natsUrl", "", "Url of the nats server (defaults to the configured one)")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	address, err := flags.GetString("address")
	if err != nil {
		return err
	}
	cpus, err := flags.GetInt("cpus")
	if err != nil {
		return err
	}
	taskTypes, err := flags.GetStringSlice("taskTypes")
	if err != nil {
		return err
	}
	workDir, err := flags.GetString("workDir")
	if err != nil {
		return err
	}
	natsUrl, err := flags.GetString("natsUrl")
	if err != nil {
		return err
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := endpoint(config, natsUrl)
	if err != nil {
		return err
	}
	if address == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		address = hostname + "-" + uuid.NewString()[:8]
	}
	return server.RunWorker(app.CreateContextWithShutdown(), e, worker.Config{
		Address:         address,
		Cpus:            cpus,
		TaskTypes:       taskTypes,
		WorkDir:         workDir,
		HeartbeatPeriod: config.Transport.Nats.HeartbeatPeriod,
	})
}
