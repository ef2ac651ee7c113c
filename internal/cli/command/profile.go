package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/shardmesh-go/internal/cli/config"
	"github.com/yndnr/shardmesh-go/internal/cli/output"
)

// ProfileCommand manages saved connection profiles.
func ProfileCommand() *cli.Command {
	return &cli.Command{
		Name:  "profile",
		Usage: "manage saved node connections",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "save a profile and make it current",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Usage: "node address"},
					&cli.StringFlag{Name: "socket", Usage: "admin socket path"},
					&cli.StringFlag{Name: "token", Usage: "bearer token"},
					&cli.StringFlag{Name: "ca-file", Usage: "extra CA certificate"},
				},
				Action: profileAdd,
			},
			{
				Name:      "use",
				Usage:     "make a saved profile current",
				ArgsUsage: "NAME",
				Action:    profileUse,
			},
			{
				Name:      "rm",
				Usage:     "delete a profile",
				ArgsUsage: "NAME",
				Action:    profileRemove,
			},
			{
				Name:   "list",
				Usage:  "list profiles",
				Action: profileList,
			},
		},
		Action: profileList,
	}
}

func saveConfig(c *cli.Context, cfg *config.CLIConfig) error {
	return config.Save(cfg, c.String("config"))
}

func profileAdd(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	p := config.Profile{
		Server: c.String("server"),
		Socket: c.String("socket"),
		Token:  c.String("token"),
		CAFile: c.String("ca-file"),
	}
	if p.Server == "" && p.Socket == "" {
		return cli.Exit("profile add: --server or --socket is required", 2)
	}
	name := c.Args().First()
	cfg := cliConfig(c)
	cfg.Profiles[name] = p
	cfg.Current = name
	if err := saveConfig(c, cfg); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "profile %q saved and selected\n", name)
	return nil
}

func profileUse(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	name := c.Args().First()
	cfg := cliConfig(c)
	if _, ok := cfg.Profiles[name]; !ok {
		return fmt.Errorf("no profile named %q", name)
	}
	cfg.Current = name
	return saveConfig(c, cfg)
}

func profileRemove(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	name := c.Args().First()
	cfg := cliConfig(c)
	if _, ok := cfg.Profiles[name]; !ok {
		return fmt.Errorf("no profile named %q", name)
	}
	delete(cfg.Profiles, name)
	if cfg.Current == name {
		cfg.Current = ""
	}
	return saveConfig(c, cfg)
}

func profileList(c *cli.Context) error {
	cfg := cliConfig(c)
	t := output.NewTable("", "NAME", "TARGET", "AUTH")
	for _, name := range cfg.ProfileNames() {
		p := cfg.Profiles[name]
		mark := ""
		if name == cfg.Current {
			mark = "*"
		}
		target := p.Server
		if p.Socket != "" {
			target = "unix:" + p.Socket
		}
		auth := "none"
		if p.Token != "" {
			auth = "token"
		}
		t.AddRow(mark, name, target, auth)
	}
	return render(c, t)
}
