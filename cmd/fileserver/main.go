package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/session-file-server/api/filehandler"
	"github.com/ruteri/session-file-server/api/onionhandler"
	"github.com/ruteri/session-file-server/auth"
	"github.com/ruteri/session-file-server/cmd/flags"
	"github.com/ruteri/session-file-server/cryptoutils"
	"github.com/ruteri/session-file-server/httpserver"
	"github.com/ruteri/session-file-server/interfaces"
	"github.com/ruteri/session-file-server/releases"
	"github.com/ruteri/session-file-server/storage"
	"github.com/urfave/cli/v2"
)

var appFlags = append(append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.KeyFileFlag,
	flags.GitHubURLFlag,
}, flags.StorageFlags...), flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "fileserver",
		Usage:  "Serve the Session file API directly and through onion requests",
		Flags:  appFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := cryptoutils.LoadOrCreateKeyStore(cCtx.String(flags.KeyFileFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to load x25519 key", "err", err)
		return err
	}

	storageFactory := storage.NewStorageBackendFactory(logger)
	stores, err := storageFactory.CreateStores(ctx,
		cCtx.String(flags.PrimaryStoreFlag.Name),
		cCtx.StringSlice(flags.ReplicaStoresFlag.Name),
		cCtx.StringSlice(flags.BackupStoresFlag.Name))
	if err != nil {
		logger.Error("Failed to open stores", "err", err)
		return err
	}
	defer stores.Close()

	logger.Info("Opened stores",
		"primary", stores.Primary.LocationURI(),
		"replicas", len(stores.Replicas),
		"backups", len(stores.Backups))

	clk := clock.New()
	files, err := storage.NewFileStore(stores, flags.FileStoreConfig(cCtx), clk, logger)
	if err != nil {
		logger.Error("Failed to create file store", "err", err)
		return err
	}

	releaseStore := releaseStoreFor(stores.Primary)

	reaper := storage.NewReaper(stores, clk, logger)
	go reaper.Run(ctx)

	if githubURL := cCtx.String(flags.GitHubURLFlag.Name); githubURL != "" {
		poller := releases.NewPoller(releaseStore, releases.Projects, githubURL, clk, logger)
		go poller.Run(ctx)
	} else {
		logger.Warn("Release polling disabled, session_version will answer 404")
	}

	fileHandler := filehandler.NewHandler(files, releaseStore, auth.NewAuthenticator(clk), clk, logger)
	onionHandler := onionhandler.NewHandler(keys, maxEnvelopeSize(files.MaxFileSize()), logger)

	serverCfg := flags.ConfigureServer(cCtx, logger)
	serverCfg.ReadinessCheck = stores.Primary.Available

	server, err := httpserver.New(serverCfg, fileHandler, onionHandler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting server", "pubkey", keys.PublicKeyHex())
	server.RunInBackground()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

// releaseStoreFor keeps release versions in the primary database when there
// is one.
func releaseStoreFor(primary interfaces.FileBackend) releases.Store {
	if b, ok := primary.(*storage.SQLBackend); ok {
		return releases.NewSQLStore(b.DB(), b.Dialect())
	}
	return releases.NewMemoryStore()
}

// maxEnvelopeSize bounds onion requests: a v3 upload carries the base64 file
// inside a JSON string inside the ciphertext.
func maxEnvelopeSize(maxFileSize int) int64 {
	return 2*int64(filehandler.MaxFileSizeB64(maxFileSize)) + 64<<10
}
