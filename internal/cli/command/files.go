package command

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/shardmesh-go/internal/cli/output"
	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// StoreCommand uploads a file.
func StoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "store",
		Aliases:   []string{"put"},
		Usage:     "store a file and print its content address",
		ArgsUsage: "FILE|-",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "threshold", Aliases: []string{"k"}, Usage: "shards needed to rebuild (node default when 0)"},
			&cli.IntFlag{Name: "total", Aliases: []string{"n"}, Usage: "shards to create (node default when 0)"},
			&cli.BoolFlag{Name: "progress", Usage: "show upload progress"},
		},
		Action: storeAction,
	}
}

func storeAction(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	client, err := connect(c)
	if err != nil {
		return err
	}

	var (
		r    io.Reader = c.App.Reader
		size int64
	)
	if name := c.Args().First(); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		r = f
	}
	var bar *output.ProgressBar
	if c.Bool("progress") {
		bar = output.NewProgressBar(stderr(c), "upload", size)
		r = bar.Reader(r)
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	res, err := client.StoreFile(ctx, r, c.Int("threshold"), c.Int("total"))
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	if !tableOutput(c) {
		return render(c, res)
	}
	fmt.Fprintln(c.App.Writer, res.Address.String())
	if res.NoRedundancy {
		fmt.Fprintln(stderr(c), "note: stored without redundancy (1-of-1)")
	}
	if res.Degraded {
		fmt.Fprintf(stderr(c), "warning: fewer destinations than requested, %d placements\n", len(res.Placements))
	}
	if res.ReplicaPending {
		fmt.Fprintln(stderr(c), "note: manifest replica will be pushed to the DHT on the next sync")
	}
	return nil
}

// GetCommand downloads a file.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "retrieve a file by content address",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"O"}, Usage: "write to this file instead of stdout"},
		},
		Action: getAction,
	}
}

func getAction(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	addr, err := domain.ParseContentAddress(c.Args().First())
	if err != nil {
		return err
	}
	client, err := connect(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	return writeOut(c.String("out"), c.App.Writer, func(w io.Writer) (int64, error) {
		return client.RetrieveFile(ctx, addr, w)
	})
}

// writeOut streams into path through a temporary file, or into stdout when
// path is empty.
func writeOut(path string, stdout io.Writer, fill func(io.Writer) (int64, error)) error {
	if path == "" {
		_, err := fill(stdout)
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".shardmesh-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// StatusCommand shows shard reachability for a file.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show how many shards of a file are reachable",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			addr, err := domain.ParseContentAddress(c.Args().First())
			if err != nil {
				return err
			}
			client, err := connect(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()
			st, err := client.Status(ctx, addr)
			if err != nil {
				return err
			}
			if !tableOutput(c) {
				return render(c, st)
			}
			t := output.NewTable("FIELD", "VALUE")
			t.AddRow("address", st.Address.String())
			t.AddRow("size", output.Bytes(st.Size))
			t.AddRow("policy", policy(st.Threshold, st.Total, st.NoRedundancy))
			t.AddRow("reachable", fmt.Sprintf("%d/%d", st.ShardsReachable, st.Total))
			t.AddRow("recoverable", strconv.FormatBool(st.Recoverable))
			for _, tier := range []domain.Tier{domain.TierLocal, domain.TierPeer, domain.TierDHT, domain.TierBackend} {
				if n := st.Tiers[tier]; n > 0 {
					t.AddRow("tier "+string(tier), strconv.Itoa(n))
				}
			}
			t.AddRow("created", output.Time(st.CreatedAt))
			return render(c, t)
		},
	}
}

func policy(threshold, total int, noRedundancy bool) string {
	s := fmt.Sprintf("%d-of-%d", threshold, total)
	if noRedundancy {
		s += " (no redundancy)"
	}
	return s
}

// ListCommand lists stored files.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:    "ls",
		Aliases: []string{"list"},
		Usage:   "list files this node holds manifests for",
		Action: func(c *cli.Context) error {
			client, err := connect(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()
			list, err := client.Files(ctx)
			if err != nil {
				return err
			}
			if !tableOutput(c) {
				return render(c, list)
			}
			t := output.NewTable("ADDRESS", "SIZE", "POLICY", "PLACEMENTS", "CREATED")
			for _, f := range list.Files {
				addr := f.Address.Short()
				if c.Bool("wide") {
					addr = f.Address.String()
				}
				t.AddRow(addr, output.Bytes(f.Size), policy(f.Threshold, f.Total, f.NoRedundancy),
					strconv.Itoa(f.Placements), output.Time(f.CreatedAt))
			}
			return render(c, t)
		},
	}
}
