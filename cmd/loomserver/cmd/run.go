package cmd

import (
	"github.com/spf13/cobra"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/app"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/server"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the server",
		Long: "Runs the server until it receives SIGINT or SIGTERM. Plans given with --plan are submitted once the " +
			"server is up; the server exits after the last of them finished.",
		RunE: runServer,
	}
	cmd.Flags().StringSlice("plan", nil, "Plan files to run before exiting")
	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	planFiles, err := cmd.Flags().GetStringSlice("plan")
	if err != nil {
		return err
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}
	plans := make([]*plan.Plan, 0, len(planFiles))
	for _, path := range planFiles {
		p, err := plan.Load(path)
		if err != nil {
			return err
		}
		plans = append(plans, p)
	}

	ctx, cancel := loomcontext.WithCancel(app.CreateContextWithShutdown())
	defer cancel()
	var ready func(server.Endpoint)
	if len(plans) > 0 {
		ready = func(e server.Endpoint) {
			go func() {
				defer cancel()
				for i, p := range plans {
					if err := runSession(ctx, e, p, ""); err != nil {
						ctx.Log.WithError(err).Errorf("plan %s failed", planFiles[i])
						return
					}
				}
			}()
		}
	}
	return server.Run(ctx, config, ready)
}
