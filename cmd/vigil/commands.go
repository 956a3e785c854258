package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:9615"

// command runs the control subcommands against a daemon.
type command struct {
	out io.Writer
}

// apiURL picks --api-url, then the [server] section of --config, then the default.
func apiURL(f ControlFlags) (string, error) {
	if f.APIUrl != "" {
		return f.APIUrl, nil
	}
	if f.ConfigPath == "" {
		return defaultAPIUrl, nil
	}
	c, err := config.Load(f.ConfigPath)
	if err != nil {
		return "", err
	}
	if c.Server.Listen == "" {
		return "", fmt.Errorf("%s has no [server] listen address", f.ConfigPath)
	}
	host, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return "", fmt.Errorf("server.listen: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := strings.TrimRight(c.Server.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + net.JoinHostPort(host, port) + base, nil
}

func (c *command) client(f ControlFlags) (*client.Client, error) {
	u, err := apiURL(f)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: u, Timeout: f.APITimeout}), nil
}

func (c *command) Start(ctx context.Context, f ControlFlags) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	if err := cl.Start(ctx, f.Name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s: started\n", f.Name)
	return nil
}

func (c *command) Stop(ctx context.Context, f ControlFlags) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	pending, err := cl.Stop(ctx, f.Name, f.Wait)
	if err != nil {
		return err
	}
	if pending {
		_, _ = fmt.Fprintf(c.out, "%s: stopping (still in progress after %s)\n", f.Name, f.Wait)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "%s: stopped\n", f.Name)
	return nil
}

func (c *command) Restart(ctx context.Context, f ControlFlags) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	if err := cl.Restart(ctx, f.Name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s: restarted\n", f.Name)
	return nil
}

func (c *command) Status(ctx context.Context, f ControlFlags) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	if f.Name != "" {
		st, err := cl.Status(ctx, f.Name)
		if err != nil {
			return err
		}
		if f.JSON {
			return printJSON(c.out, st)
		}
		printStatusTable(c.out, []client.ProcessStatus{st})
		printHistory(c.out, st)
		return nil
	}
	all, err := cl.StatusAll(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, all)
	}
	printStatusTable(c.out, all)
	return nil
}
