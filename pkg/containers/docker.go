// Package containers enriches audit records for containerized offenders
// with the container name and image. Enrichment is best effort: a docker
// daemon outage never aborts a cycle, classification does not depend on
// anything here.
package containers

import (
	"context"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	log "github.com/sirupsen/logrus"
)

type Info struct {
	ID    string
	Name  string
	Image string
}

type Resolver interface {
	// Refresh rebuilds the pid-to-container mapping from the runtime.
	Refresh(ctx context.Context) error
	Lookup(pid int32) (Info, bool)
}

type DockerResolver struct {
	cli  *client.Client
	pids map[int32]Info
}

func NewDockerResolver() (*DockerResolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, err
	}
	cli.NegotiateAPIVersion(context.Background())
	return &DockerResolver{cli: cli, pids: make(map[int32]Info)}, nil
}

func (r *DockerResolver) Refresh(ctx context.Context) error {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return err
	}
	pids := make(map[int32]Info)
	for _, c := range list {
		info := Info{ID: c.ID, Image: c.Image}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		top, err := r.cli.ContainerTop(ctx, c.ID, nil)
		if err != nil {
			log.Debugf("unable to top container %s: %s", c.ID, err)
			continue
		}
		pidCol := -1
		for i, title := range top.Titles {
			if title == "PID" {
				pidCol = i
				break
			}
		}
		if pidCol < 0 {
			continue
		}
		for _, row := range top.Processes {
			if pidCol >= len(row) {
				continue
			}
			pid, err := strconv.ParseInt(row[pidCol], 10, 32)
			if err != nil {
				continue
			}
			pids[int32(pid)] = info
		}
	}
	r.pids = pids
	return nil
}

func (r *DockerResolver) Lookup(pid int32) (Info, bool) {
	info, ok := r.pids[pid]
	return info, ok
}
