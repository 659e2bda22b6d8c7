package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/ruteri/session-file-server/api/onionhandler"
	"github.com/ruteri/session-file-server/cmd/flags"
	"github.com/ruteri/session-file-server/cryptoutils"
	"github.com/urfave/cli/v2"
)

var appFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "url",
		Value: "http://127.0.0.1:8080",
		Usage: "file server base URL",
	},
	&cli.StringFlag{
		Name:     "pubkey",
		Required: true,
		Usage:    "hex X25519 public key of the file server",
	},
	&cli.StringFlag{
		Name:  "version",
		Value: "v4",
		Usage: "onion request framing: v3 or v4",
	},
	&cli.StringFlag{
		Name:  "cipher",
		Value: string(cryptoutils.CipherXChaCha20),
		Usage: "encryption type: aes-gcm or xchacha20",
	},
	&cli.StringFlag{
		Name:  "method",
		Value: "GET",
		Usage: "inner request method",
	},
	&cli.StringFlag{
		Name:     "endpoint",
		Required: true,
		Usage:    "inner request path, e.g. /file/<id>",
	},
	&cli.StringFlag{
		Name:  "body-file",
		Usage: "file with the inner request body, - for stdin",
	},
	&cli.StringSliceFlag{
		Name:  "header",
		Usage: "inner request header as name=value, may be repeated",
	},
	&cli.StringFlag{
		Name:  "sign-seed",
		Usage: "hex Ed25519 seed to sign the inner request with",
	},
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:   "onionclient",
		Usage:  "Send an onion request to a file server and print the reply",
		Flags:  appFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	pubkey, err := hex.DecodeString(cCtx.String("pubkey"))
	if err != nil || len(pubkey) != 32 {
		return fmt.Errorf("invalid pubkey: expected 64 hex characters")
	}

	cipher, err := cryptoutils.ParseCipher(cCtx.String("cipher"))
	if err != nil {
		return err
	}

	client := onionhandler.NewClient(cCtx.String("url"), pubkey)
	client.Cipher = cipher

	if seedHex := cCtx.String("sign-seed"); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			return fmt.Errorf("invalid sign-seed: expected %d hex characters", 2*ed25519.SeedSize)
		}
		client.Key = ed25519.NewKeyFromSeed(seed)
	}

	req := &onionhandler.Request{
		Method:   strings.ToUpper(cCtx.String("method")),
		Endpoint: cCtx.String("endpoint"),
		Headers:  map[string]string{},
	}
	for _, h := range cCtx.StringSlice("header") {
		name, value, ok := strings.Cut(h, "=")
		if !ok {
			return fmt.Errorf("invalid header %q: expected name=value", h)
		}
		req.Headers[name] = value
	}

	switch path := cCtx.String("body-file"); path {
	case "":
	case "-":
		if req.Body, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("could not read body: %w", err)
		}
	default:
		if req.Body, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("could not read body: %w", err)
		}
	}

	logger.Debug("Sending onion request",
		"version", cCtx.String("version"),
		"cipher", cipher,
		"method", req.Method,
		"endpoint", req.Endpoint)

	switch cCtx.String("version") {
	case "v3":
		reply, err := client.V3(cCtx.Context, req)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(reply)
		return err
	case "v4":
		resp, err := client.V4(cCtx.Context, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "status: %d\n", resp.StatusCode)
		for k, v := range resp.Headers {
			fmt.Fprintf(os.Stderr, "%s: %s\n", k, v)
		}
		_, err = os.Stdout.Write(resp.Body)
		return err
	default:
		return fmt.Errorf("unknown version %q", cCtx.String("version"))
	}
}
