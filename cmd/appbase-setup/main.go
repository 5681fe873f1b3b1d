// appbase-setup administers an instance from the command line: schema
// initialisation, principal accounts and the contributor surface prefix.
// It reads the same environment configuration as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/appbase-cms/appbase/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}
	name, rest := args[0], args[1:]
	cmd, ok := commands[name]
	if !ok {
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", name)
	}

	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(stdout)
	opts := cmd.flags(flags)
	if err := flags.Parse(rest); err != nil {
		return err
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.StorageBackend == "memory" {
		return errors.New("STORAGE_BACKEND=memory keeps nothing between runs; use redis or postgres")
	}
	engine, err := app.OpenEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	services, err := app.NewServices(cfg, engine, nil, logger, nil)
	if err != nil {
		_ = engine.Close()
		return err
	}
	defer services.Close()

	return cmd.run(ctx, &setup{services: services, in: stdin, out: stdout}, opts)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: appbase-setup <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, name := range commandOrder {
		fmt.Fprintf(w, "  %-24s %s\n", name, commands[name].summary)
	}
}
