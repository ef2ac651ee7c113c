package command

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/shardmesh-go/pkg/crypto/envelope"
	"github.com/yndnr/shardmesh-go/pkg/token"
)

// KeygenCommand creates key material for a node.
func KeygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "create node keys, user secrets and API tokens",
		Subcommands: []*cli.Command{
			{
				Name:      "node",
				Usage:     "create a node key pair file",
				ArgsUsage: "PATH",
				Action:    keygenNode,
			},
			{
				Name:      "secret",
				Usage:     "create a random user secret file",
				ArgsUsage: "PATH",
				Action:    keygenSecret,
			},
			{
				Name:   "token",
				Usage:  "create an API token and print the hash for server.http.token_hash",
				Action: keygenToken,
			},
		},
	}
}

func refuseOverwrite(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func keygenNode(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	path := c.Args().First()
	if err := refuseOverwrite(path); err != nil {
		return err
	}
	kp, err := envelope.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := envelope.SaveKeyPair(kp, path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "public key: %s\n", hex.EncodeToString(kp.Public[:]))
	return nil
}

func keygenSecret(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	path := c.Args().First()
	if err := refuseOverwrite(path); err != nil {
		return err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	clear(raw)
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stderr(c), "wrote %s; keep a copy offline, it is needed to recover files on a new device\n", path)
	return nil
}

func keygenToken(c *cli.Context) error {
	tok, err := token.Generate()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "token:      %s\ntoken_hash: %s\n", tok, token.Hash(tok))
	return nil
}
