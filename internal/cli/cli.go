package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	commands "github.com/urfave/cli/v3"

	"github.com/st3v3nmw/drover/internal/cluster"
	"github.com/st3v3nmw/drover/internal/config"
	"github.com/st3v3nmw/drover/internal/registry"
	_ "github.com/st3v3nmw/drover/scenarios/kvs"
)

// RunScenarios builds the project image once, then runs each selected
// scenario against its own freshly stood-up cluster.
func RunScenarios(ctx context.Context, cmd *commands.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cmd.Bool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	if dir := cmd.String("output-dir"); dir != "" {
		cfg.OutputDir = dir
	}

	skipBuild := cfg.Build.Skip || cmd.Bool("skip-build")
	filter := cmd.String("filter")
	failFast := !cmd.Bool("no-fail-fast")
	keep := cmd.Bool("keep")

	// Explicit keys run exactly those scenarios; otherwise run everything
	// the filter matches.
	selected := make([]*registry.Scenario, 0)
	if keys := cmd.Args().Slice(); len(keys) > 0 {
		for _, key := range keys {
			scenario, err := registry.Get(key)
			if err != nil {
				return err
			}

			selected = append(selected, scenario)
		}
	} else {
		for _, scenario := range registry.All() {
			if filter == "" || strings.Contains(scenario.Key, filter) {
				selected = append(selected, scenario)
			}
		}

		if len(selected) == 0 {
			return fmt.Errorf("no scenarios match filter %q", filter)
		}
	}

	api, err := cluster.NewAPI()
	if err != nil {
		return fmt.Errorf("cannot reach the container daemon: %w", err)
	}

	failures := 0
	for _, scenario := range selected {
		fmt.Printf("%s: %s\n\n", scenario.Key, scenario.Name)

		if !runScenario(ctx, api, cfg, scenario, skipBuild, keep) {
			failures++
			if failFast {
				break
			}
		}

		// The first scenario's build warms the image cache
		skipBuild = false
		fmt.Println()
	}

	if failures > 0 {
		return fmt.Errorf("%d scenario(s) failed, logs are under %s/", failures, cfg.OutputDir)
	}

	return nil
}

// runScenario stands up a cluster, runs one suite against it, and always
// captures node logs and tears the cluster down afterwards. With keep the
// cluster is left running for inspection; `drover prune` removes it later.
func runScenario(ctx context.Context, api cluster.API, cfg *config.Config, scenario *registry.Scenario, skipBuild, keep bool) bool {
	conductor := cluster.New(api, cfg.Cluster(""), cfg.Build.Dir, skipBuild)
	defer func() {
		if keep {
			fmt.Printf("Keeping the cluster, clean up with: drover prune --group %s\n", conductor.Group())
			return
		}

		conductor.Teardown(ctx)
	}()

	diagnostics := cluster.NewDiagnostics(api)
	defer func() {
		diagnostics.CaptureAll(ctx, conductor.Topology())
		if err := diagnostics.Flush(cfg.OutputDir, scenario.Key); err != nil {
			logrus.WithError(err).Warn("could not write node logs")
		}
	}()

	suite := scenario.Fn()
	return suite.Run(ctx, conductor)
}

// ListScenarios prints all registered scenarios.
func ListScenarios(ctx context.Context, cmd *commands.Command) error {
	fmt.Println("Available scenarios:")
	fmt.Println()

	for _, scenario := range registry.All() {
		fmt.Printf("  %-16s - %s\n", scenario.Key, scenario.Summary)
	}

	fmt.Println()
	fmt.Println("Run them with: drover run [key ...]")

	return nil
}
