package cli

import (
	"context"
	"fmt"

	commands "github.com/urfave/cli/v3"

	"github.com/st3v3nmw/drover/internal/cluster"
)

// Prune removes containers and networks left behind by interrupted runs.
func Prune(ctx context.Context, cmd *commands.Command) error {
	api, err := cluster.NewAPI()
	if err != nil {
		return fmt.Errorf("cannot reach the container daemon: %w", err)
	}

	if err := cluster.Sweep(ctx, api, cmd.String("group")); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}

	fmt.Println("Pruned leftover containers and networks.")
	return nil
}
