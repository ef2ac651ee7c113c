package command

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/yndnr/shardmesh-go/internal/cli/connection"
	"github.com/yndnr/shardmesh-go/internal/cli/output"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
	"github.com/yndnr/shardmesh-go/internal/engine"
)

// AllocCommand shows and changes tier budgets.
func AllocCommand() *cli.Command {
	return &cli.Command{
		Name:  "alloc",
		Usage: "show or change storage allocations",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "show every tier's budget",
				Action: allocList,
			},
			{
				Name:      "set",
				Usage:     "resize a tier budget, e.g. alloc set local 4GB",
				ArgsUsage: "TIER SIZE",
				Action:    allocSet,
			},
		},
		Action: allocList,
	}
}

func allocTable(allocs ...engine.AllocationStatus) *output.Table {
	t := output.NewTable("TIER", "ALLOCATED", "USED", "FREE", "CAPACITY")
	for _, a := range allocs {
		capacity := "-"
		if a.Capacity > 0 {
			capacity = output.Bytes(a.Capacity)
		}
		t.AddRow(string(a.Tier), output.Bytes(a.Allocated), output.Bytes(a.Used),
			output.Bytes(max(a.Allocated-a.Used, 0)), capacity)
	}
	return t
}

func allocList(c *cli.Context) error {
	client, err := connect(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	allocs, err := client.Allocations(ctx)
	if err != nil {
		return err
	}
	if !tableOutput(c) {
		return render(c, allocs)
	}
	return render(c, allocTable(allocs...))
}

func allocSet(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	tier, err := domain.ParseTier(c.Args().Get(0))
	if err != nil {
		return err
	}
	size, err := humanize.ParseBytes(c.Args().Get(1))
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	client, err := connect(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	a, err := client.SetAllocation(ctx, tier, int64(size))
	if err != nil {
		return err
	}
	if !tableOutput(c) {
		return render(c, a)
	}
	return render(c, allocTable(*a))
}

// SyncCommand runs a maintenance pass now.
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "push pending replicas and repair under-replicated files now",
		Action: func(c *cli.Context) error {
			client, err := connect(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()

			var spin *output.Spinner
			if tableOutput(c) {
				spin = output.NewSpinner(stderr(c), "syncing")
				spin.Start()
			}
			report, err := client.Sync(ctx)
			var apiErr *connection.APIError
			partial := errors.As(err, &apiErr) && apiErr.Status == http.StatusMultiStatus
			if spin != nil {
				if err != nil {
					spin.Fail("sync")
				} else {
					spin.Success("sync")
				}
			}
			if err != nil && !partial {
				return err
			}
			if err := render(c, report); err != nil {
				return err
			}
			if partial {
				return cli.Exit("sync incomplete: "+apiErr.Message, 3)
			}
			return nil
		},
	}
}

// PeersCommand lists the peer directory.
func PeersCommand() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "list peers discovered on local transports",
		Action: func(c *cli.Context) error {
			client, err := connect(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()
			peers, err := client.Peers(ctx)
			if err != nil {
				return err
			}
			if !tableOutput(c) {
				return render(c, peers)
			}
			t := output.NewTable("NODE", "ROLE", "STATE", "CAPACITY", "BATTERY", "VIA", "LAST SEEN")
			for _, p := range peers {
				via := make([]string, len(p.ReachableVia))
				for i, k := range p.ReachableVia {
					via[i] = string(k)
				}
				battery := fmt.Sprintf("%d%%", p.Battery.Percent)
				if p.Battery.Charging {
					battery += "+"
				}
				t.AddRow(p.NodeID, string(p.Role), string(p.State), output.Bytes(p.Capacity),
					battery, strings.Join(via, ","), output.Time(p.LastSeen))
			}
			return render(c, t)
		},
	}
}

// NodeCommand groups node health and admin actions.
func NodeCommand() *cli.Command {
	admin := func(method, name, done string) cli.ActionFunc {
		return func(c *cli.Context) error {
			client, err := connect(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()
			var out any
			if err := client.Admin(ctx, method, name, &out); err != nil {
				return err
			}
			if done != "" && tableOutput(c) {
				fmt.Fprintln(c.App.Writer, done)
				return nil
			}
			return render(c, out)
		}
	}
	return &cli.Command{
		Name:  "node",
		Usage: "node health and administration",
		Subcommands: []*cli.Command{
			{
				Name:  "health",
				Usage: "check that the node is up",
				Action: func(c *cli.Context) error {
					client, err := connect(c)
					if err != nil {
						return err
					}
					ctx, cancel := requestContext(c)
					defer cancel()
					h, err := client.Health(ctx)
					if err != nil {
						return err
					}
					return render(c, h)
				},
			},
			{
				Name:  "version",
				Usage: "show the node's build",
				Action: func(c *cli.Context) error {
					client, err := connect(c)
					if err != nil {
						return err
					}
					ctx, cancel := requestContext(c)
					defer cancel()
					v, err := client.Version(ctx)
					if err != nil {
						return err
					}
					return render(c, v)
				},
			},
			{Name: "status", Usage: "uptime and build (admin socket)", Action: admin(http.MethodGet, "status", "")},
			{Name: "config", Usage: "running configuration, secrets masked (admin socket)", Action: admin(http.MethodGet, "config", "")},
			{Name: "reload", Usage: "re-read the configuration file (admin socket)", Action: admin(http.MethodPost, "reload", "configuration reloaded")},
			{Name: "shutdown", Usage: "stop the node gracefully (admin socket)", Action: admin(http.MethodPost, "shutdown", "shutdown requested")},
		},
	}
}
