package cmd

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/app"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/loomclient"
	"github.com/It4innovations/HyperLoom-sub000/internal/server"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <plan file>...",
		Short: "Submits plans to a running server and waits for their results",
		Args:  cobra.MinimumNArgs(1),
		RunE:  submitPlans,
	}
	cmd.Flags().String("natsUrl", "", "Url of the nats server (defaults to the configured one)")
	cmd.Flags().String("out", "", "Directory results are written to, one file per result id")
	return cmd
}

func submitPlans(cmd *cobra.Command, args []string) error {
	natsUrl, err := cmd.Flags().GetString("natsUrl")
	if err != nil {
		return err
	}
	out, err := cmd.Flags().GetString("out")
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
	ctx := app.CreateContextWithShutdown()
	for _, path := range args {
		p, err := plan.Load(path)
		if err != nil {
			return err
		}
		if err := runSession(ctx, e, p, out); err != nil {
			return errors.WithMessagef(err, "plan %s", path)
		}
	}
	return nil
}

// runSession runs p in a fresh session and writes its results to out, if set.
func runSession(ctx *loomcontext.Context, e server.Endpoint, p *plan.Plan, out string) error {
	session := uuid.NewString()
	ctx = loomcontext.WithLogField(ctx, "session", session)
	link, err := e.ConnectClient(ctx, session)
	if err != nil {
		return err
	}
	defer link.Close()

	results, err := loomclient.NewSession(link).Run(ctx, p)
	if err != nil {
		return err
	}
	for _, result := range results {
		if out == "" {
			ctx.Log.Infof("result %d: %q", result.ClientId, result.Data)
			continue
		}
		if err := os.MkdirAll(out, 0o755); err != nil {
			return errors.WithStack(err)
		}
		if err := os.WriteFile(filepath.Join(out, strconv.Itoa(result.ClientId)), result.Data, 0o644); err != nil {
			return errors.WithStack(err)
		}
	}
	ctx.Log.Infof("plan finished with %d results", len(results))
	return nil
}
