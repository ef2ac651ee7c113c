package command

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/shardmesh-go/internal/core/domain"
)

// RecoverCommand rebuilds a file on a device that lost its manifest.
func RecoverCommand() *cli.Command {
	return &cli.Command{
		Name:      "recover",
		Usage:     "rebuild a file from the DHT and backend using your secret",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret-file", Usage: "file holding the user secret", Required: true},
			&cli.StringFlag{Name: "aux-file", Usage: "file holding the auxiliary factor"},
			&cli.StringFlag{Name: "out", Aliases: []string{"O"}, Usage: "write to this file instead of stdout"},
		},
		Action: recoverAction,
	}
}

func recoverAction(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	addr, err := domain.ParseContentAddress(c.Args().First())
	if err != nil {
		return err
	}
	secret, err := readSecret(c.String("secret-file"))
	if err != nil {
		return err
	}
	defer clear(secret)
	var aux []byte
	if p := c.String("aux-file"); p != "" {
		if aux, err = readSecret(p); err != nil {
			return err
		}
		defer clear(aux)
	}

	client, err := connect(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	return writeOut(c.String("out"), c.App.Writer, func(w io.Writer) (int64, error) {
		return client.Recover(ctx, addr, secret, aux, w)
	})
}

// readSecret reads a secret file without its trailing newline.
func readSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimRight(raw, "\r\n")
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return raw, nil
}
