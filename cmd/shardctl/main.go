// Command shardctl inspects docshard shards, backs them up to a blob
// store and recovers them.
//
//	shardctl --config shardctl.yaml snapshot --shard ./data/shard-0
//	shardctl list
//	shardctl restore --id 0190... --shard ./data/shard-1
//	shardctl recover --shard ./data/shard-0 --target ./data/shard-2
//	shardctl translog dump --shard ./data/shard-0
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "shardctl:", err)
		os.Exit(1)
	}
}

// state is shared by the commands of one run.
type state struct {
	cfg *config
}

func newApp() *cli.App {
	st := &state{}
	return &cli.App{
		Name:                 "shardctl",
		Usage:                "inspect, snapshot and recover docshard shards",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (yaml, json or toml)",
				EnvVars: []string{envPrefix + "_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			st.cfg = cfg
			return nil
		},
		Commands: st.commands(),
	}
}
