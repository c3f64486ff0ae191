package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nekobot/nekobot/bot"
	"github.com/nekobot/nekobot/bot/command"
	"github.com/nekobot/nekobot/config"
	"github.com/nekobot/nekobot/gateway"
	"github.com/nekobot/nekobot/modules/general"
)

var (
	configPath string
	debugMode  bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "nekobot",
	Short:        "A multi-purpose chat bot",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "run with the debug prefix and beta token")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log gateway traffic")
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debugMode {
		cfg.Debug = true
	}

	if verbose {
		gateway.WSDebug = func(v ...interface{}) {
			log.Println(append([]interface{}{"gateway:"}, v...)...)
		}
	}

	b, err := bot.New(cfg, []command.Module{
		general.Module(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b.Start(ctx)

	log.Printf("instance %d up with %d shards", cfg.Instance, b.Manager.NumShards())

	waited := make(chan error, 1)
	go func() { waited <- b.Wait() }()

	select {
	case <-ctx.Done():
		log.Println("shutting down")
		b.Stop()
		return <-waited

	case err := <-waited:
		// All shards exited on their own: either the owner's shutdown
		// command, or every shard failing permanently.
		b.Stop()
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
