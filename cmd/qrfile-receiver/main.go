// Command qrfile-receiver reconstructs files from optically transmitted
// block envelopes. It reads one envelope per line from stdin or a capture
// file and writes completed files into the download directory.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/qrfile/chunkstore"
	"github.com/opd-ai/qrfile/config"
	"github.com/opd-ai/qrfile/protocol"
	"github.com/opd-ai/qrfile/receiver"
	"github.com/opd-ai/qrfile/storage"
)

func main() {
	app := &cli.App{
		Name:  "qrfile-receiver",
		Usage: "reconstruct files from captured block envelopes",
		Commands: []*cli.Command{
			receiveCmd,
			inspectCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

var receiveCmd = &cli.Command{
	Name:  "receive",
	Usage: "Read envelope lines and reconstruct the transmitted file",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "input",
			Usage: "Capture file with one envelope per line (default: stdin)",
		},
		&cli.StringFlag{
			Name:  "download-dir",
			Usage: "Directory for reconstructed files",
		},
		&cli.StringFlag{
			Name:  "passphrase",
			Usage: "Passphrase for encrypted transfers",
		},
		&cli.BoolFlag{
			Name:  "memory-only",
			Usage: "Never spill blocks to durable storage",
		},
	},
	Action: runReceive,
}

func runReceive(ctx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(ctx, cfg)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)

	var durable chunkstore.DurableStore
	if !cfg.MemoryOnly {
		store, err := storage.NewBlockStore(cfg.StateDir)
		if err != nil {
			return err
		}
		defer store.Close()
		durable = store
	}

	input := os.Stdin
	if path := ctx.String("input"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}

	engine := receiver.New(cfg, nil, durable)
	engine.OnProgress(func(p chunkstore.Progress) {
		fmt.Fprintf(os.Stderr, "\rblocks %d/%d (%.0f%%)", p.Received, p.Total, p.Ratio*100)
	})

	saved := make(chan string, 1)
	engine.OnComplete(func(res *receiver.Result) {
		fmt.Fprintln(os.Stderr)
		if res.HashPresent && !res.HashVerified {
			logrus.Warn("Whole-file hash does not match the declared value")
		}
		if res.DegradedBlocks > 0 {
			logrus.Warnf("%d FEC blocks were uncorrectable", res.DegradedBlocks)
		}
		path, err := receiver.SaveResult(cfg.DownloadDir, res)
		if err != nil {
			logrus.Errorf("Save failed: %v", err)
			return
		}
		fmt.Printf("wrote %s\n", path)
		select {
		case saved <- path:
		default:
		}
	})

	engine.OnTransferFailed(func(err error) {
		logrus.WithField("error", err.Error()).Error("Transfer failed during reconstruction")
	})

	engine.Start()
	defer engine.Stop()

	if err := feedEnvelopes(engine, input); err != nil {
		return err
	}

	select {
	case <-saved:
		return nil
	default:
	}

	if err, ok := engine.LastFailure(); ok {
		return fmt.Errorf("transfer failed: %w", err)
	}
	missing := engine.Missing()
	if len(missing) > 0 {
		return fmt.Errorf("transfer incomplete: %d blocks missing (first: %v)", len(missing), head(missing, 10))
	}
	return errors.New("no transfer observed in input")
}

func feedEnvelopes(engine *receiver.Engine, input io.Reader) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxEnvelopeSize+1)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := engine.ProcessEnvelope(line); err != nil {
			logrus.WithField("error", err.Error()).Debug("Envelope rejected")
		}
	}
	return scanner.Err()
}

func applyFlags(ctx *cli.Context, cfg *config.Config) {
	if v := ctx.String("download-dir"); v != "" {
		cfg.DownloadDir = v
	}
	if v := ctx.String("passphrase"); v != "" {
		cfg.Passphrase = v
	}
	if ctx.Bool("memory-only") {
		cfg.MemoryOnly = true
	}
}

func head(indices []int, n int) []int {
	if len(indices) > n {
		return indices[:n]
	}
	return indices
}

var inspectCmd = &cli.Command{
	Name:      "inspect",
	Usage:     "Parse a single envelope and print its fields",
	ArgsUsage: "<envelope>",
	Action: func(ctx *cli.Context) error {
		raw := ctx.Args().First()
		if raw == "" {
			return errors.New("envelope argument required")
		}
		env, err := protocol.Parse(raw)
		if err != nil {
			return err
		}

		fmt.Printf("format:       %s\n", env.Format)
		fmt.Printf("index:        %d / %d\n", env.Index, env.TotalBlocks)
		fmt.Printf("payload:      %d bytes (hash ok: %v)\n", len(env.Payload), env.VerifyPayloadHash())
		if env.IsHeader() {
			fmt.Printf("filename:     %s\n", env.Filename)
			fmt.Printf("size:         %d\n", env.FileSize)
			fmt.Printf("file hash:    %s\n", env.FileHash)
			fmt.Printf("fingerprint:  %s\n", env.Fingerprint())
		}
		if env.Transform.Compression != "" {
			fmt.Printf("compression:  %s\n", env.Transform.Compression)
		}
		if env.Transform.Encryption != "" {
			fmt.Printf("encryption:   %s\n", env.Transform.Encryption)
		}
		if fec := env.Transform.FEC; fec != nil {
			fmt.Printf("fec:          rs(%d,%d)\n", fec.TotalSymbols, fec.DataSymbols)
		}
		return nil
	},
}
