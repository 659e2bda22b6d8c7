package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/session-file-server/cmd/flags"
	"github.com/ruteri/session-file-server/importer"
	"github.com/ruteri/session-file-server/interfaces"
	"github.com/ruteri/session-file-server/storage"
	"github.com/urfave/cli/v2"
)

var appFlags = append([]cli.Flag{
	flags.PrimaryStoreFlag,
	flags.FileTTLFlag,
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:      "importer",
		Usage:     "Import uploads of the old numeric-id file server",
		ArgsUsage: "/path/to/old-file-server",
		Flags:     appFlags,
		Action:    run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return errors.New("expected the old file server directory as the only argument")
	}

	logger := flags.SetupLogger(cCtx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := interfaces.NewStorageBackendLocation(cCtx.String(flags.PrimaryStoreFlag.Name))
	if err != nil {
		return err
	}

	store, err := storage.NewStorageBackendFactory(logger).StorageBackendFor(ctx, loc, interfaces.RolePrimary)
	if err != nil {
		logger.Error("Failed to open store", "err", err)
		return err
	}
	defer store.Close()

	im := importer.New(store, cCtx.Duration(flags.FileTTLFlag.Name), logger)
	if _, err := im.Run(ctx, cCtx.Args().First()); err != nil {
		logger.Error("Import failed", "err", err)
		return err
	}
	return nil
}
