package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name: "Unggoy API Helper",
		Commands: []*cli.Command{
			runGenerateCookieKeys,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateCookieKeys = &cli.Command{
	Name:  "generate-cookie-keys",
	Usage: "generate the keys that sign and encrypt the login attempt cookie",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "append the keys to this env file instead of printing them",
		},
	},
	Action: func(cmd *cli.Context) error {
		hashKey, err := randomHex(64)
		if err != nil {
			return err
		}

		blockKey, err := randomHex(32)
		if err != nil {
			return err
		}

		env := map[string]string{
			"COOKIE_HASH_KEY":  hashKey,
			"COOKIE_BLOCK_KEY": blockKey,
		}

		out := cmd.String("out")
		if out == "" {
			s, err := godotenv.Marshal(env)
			if err != nil {
				return err
			}
			fmt.Println(s)
			return nil
		}

		existing, err := godotenv.Read(out)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if existing == nil {
			existing = map[string]string{}
		}
		for k, v := range env {
			if _, ok := existing[k]; ok {
				return fmt.Errorf("%s already has %s", out, k)
			}
			existing[k] = v
		}

		return godotenv.Write(existing, out)
	},
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
