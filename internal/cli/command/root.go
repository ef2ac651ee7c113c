// Package command defines the shardmesh CLI commands.
package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/shardmesh-go/internal/cli/config"
	"github.com/yndnr/shardmesh-go/internal/cli/connection"
	"github.com/yndnr/shardmesh-go/internal/cli/output"
	"github.com/yndnr/shardmesh-go/internal/infra/buildinfo"
)

const metaConfig = "cliConfig"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "shardmesh",
		Usage:   "store and recover files on a shardmesh node",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			StoreCommand(),
			GetCommand(),
			StatusCommand(),
			ListCommand(),
			RecoverCommand(),
			AllocCommand(),
			SyncCommand(),
			PeersCommand(),
			NodeCommand(),
			ProfileCommand(),
			KeygenCommand(),
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if c.App.Metadata == nil {
				c.App.Metadata = map[string]any{}
			}
			c.App.Metadata[metaConfig] = cfg
			return nil
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "CLI config file",
			EnvVars: []string{"SHARDMESH_CLI_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "profile",
			Aliases: []string{"p"},
			Usage:   "saved connection profile",
			EnvVars: []string{"SHARDMESH_PROFILE"},
		},
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "node address, host:port or URL",
			EnvVars: []string{"SHARDMESH_SERVER"},
		},
		&cli.StringFlag{
			Name:    "socket",
			Usage:   "node admin socket path",
			EnvVars: []string{"SHARDMESH_SOCKET"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "bearer token",
			EnvVars: []string{"SHARDMESH_TOKEN"},
		},
		&cli.StringFlag{
			Name:  "ca-file",
			Usage: "extra CA certificate for https nodes",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "show more columns",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "request timeout",
			Value: 5 * time.Minute,
		},
	}
}

func cliConfig(c *cli.Context) *config.CLIConfig {
	if cfg, ok := c.App.Metadata[metaConfig].(*config.CLIConfig); ok {
		return cfg
	}
	return config.Default()
}

// connect builds a client from the selected profile overlaid with flags.
func connect(c *cli.Context) (*connection.Client, error) {
	p, err := cliConfig(c).Profile(c.String("profile"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("server") {
		p.Server, p.Socket = c.String("server"), ""
	}
	if c.IsSet("socket") {
		p.Socket = c.String("socket")
	}
	if c.IsSet("token") {
		p.Token = c.String("token")
	}
	if c.IsSet("ca-file") {
		p.CAFile = c.String("ca-file")
	}
	return connection.New(connection.Options{
		Server:  p.Server,
		Socket:  p.Socket,
		Token:   p.Token,
		CAFile:  p.CAFile,
		Timeout: c.Duration("timeout"),
	})
}

func requestContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.Duration("timeout"))
}

// render writes data in the selected output format.
func render(c *cli.Context, data any) error {
	name := c.String("output")
	if name == "" {
		name = cliConfig(c).Output
	}
	format, err := output.ParseFormat(name)
	if err != nil {
		return err
	}
	return output.NewFormatter(format, c.Bool("wide")).Format(c.App.Writer, data)
}

func tableOutput(c *cli.Context) bool {
	name := c.String("output")
	if name == "" {
		name = cliConfig(c).Output
	}
	return name == "" || name == string(output.FormatTable)
}

func stderr(c *cli.Context) io.Writer {
	if c.App.ErrWriter != nil {
		return c.App.ErrWriter
	}
	return os.Stderr
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return cli.Exit(fmt.Sprintf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage), 2)
	}
	return nil
}
