// Package docker wraps the Docker Engine API with the operations the
// control loops need: lifecycle, stats, logs, and exec.
package docker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/client"
)

// Client wraps the Docker API client.
type Client struct {
	api *client.Client
}

// NewClient creates a Docker client connected to the given socket or TCP
// endpoint. A bare path is treated as a unix socket.
func NewClient(dockerSock string) (*Client, error) {
	var opts []client.Opt

	if strings.HasPrefix(dockerSock, "tcp://") {
		opts = append(opts, client.WithHost(dockerSock))
	} else {
		sock := strings.TrimPrefix(dockerSock, "unix://")
		opts = append(opts,
			client.WithHost("unix://"+sock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", sock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Client{api: api}, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// IsNotFound reports whether err is the daemon's not-found error for a
// container or image lookup.
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
