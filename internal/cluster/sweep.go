package cluster

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/sirupsen/logrus"
)

// Sweep removes leftover containers and networks from earlier runs that were
// not torn down, found by the label every created resource carries. An empty
// group sweeps all runs; otherwise only that run's resources go. Individual
// removal failures are logged and skipped so one stuck resource does not
// shield the rest.
func Sweep(ctx context.Context, api API, group string) error {
	label := runLabel
	if group != "" {
		label = runLabel + "=" + group
	}

	log := logrus.WithField("group", group)
	matches := filters.NewArgs(filters.Arg("label", label))

	containers, err := api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: matches,
	})
	if err != nil {
		return err
	}

	for _, c := range containers {
		log.WithField("container", shortID(c.ID)).Info("removing leftover container")
		if err := api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.WithError(err).WithField("container", shortID(c.ID)).Warn("could not remove container")
		}
	}

	networks, err := api.NetworkList(ctx, network.ListOptions{Filters: matches})
	if err != nil {
		return err
	}

	for _, n := range networks {
		log.WithField("network", n.Name).Info("removing leftover network")
		if err := api.NetworkRemove(ctx, n.ID); err != nil {
			log.WithError(err).WithField("network", n.Name).Warn("could not remove network")
		}
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
