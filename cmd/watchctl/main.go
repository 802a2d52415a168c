package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/watchlink/internal/config"
	"github.com/guseggert/watchlink/supervise"
	"github.com/guseggert/watchlink/watcher"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "watchctl",
		Usage: "control a service through its watcher process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the config file. Defaults to the nearest " + config.FileName + " at or above the working directory.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, overriding the config file. One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "eval",
				Usage:     "evaluate a script on the watcher and print its return values",
				ArgsUsage: "<script>",
				Action:    evalAction,
			},
			{
				Name:  "reboot",
				Usage: "ask the watcher to restart the service",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "hard",
						Usage: "Restart the whole process instead of reconnecting.",
					},
				},
				Action: rebootAction,
			},
			{
				Name:   "snapshot",
				Usage:  "print ping, reboot count, owners and JVM arguments",
				Action: snapshotAction,
			},
			{
				Name:   "listen",
				Usage:  "stay connected and exit when the watcher pushes a shutdown",
				Action: listenAction,
			},
			{
				Name:  "certs",
				Usage: "generate a CA with watcher and client certs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "dir",
						Usage: "Directory to write the PEM files to.",
						Value: "certs",
					},
				},
				Action: func(ctx *cli.Context) error {
					certs, err := watcher.GenerateCerts()
					if err != nil {
						return fmt.Errorf("generating certs: %w", err)
					}
					return certs.WriteFiles(ctx.String("dir"))
				},
			},
			{
				Name:  "init-config",
				Usage: "write a config template",
				Action: func(ctx *cli.Context) error {
					p := ctx.String("config")
					if p == "" {
						p = config.FileName
					}
					return config.WriteDefault(p)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	p := ctx.String("config")
	if p == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting wd: %w", err)
		}
		p, err = config.Find(wd)
		if err != nil {
			return nil, fmt.Errorf("finding config: %w", err)
		}
		if p == "" {
			p = config.FileName
		}
	}
	return config.Load(p)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// setup loads the config and builds the logger, the flag taking precedence over the config's level.
func setup(ctx *cli.Context) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if ctx.IsSet("log-level") {
		level = ctx.String("log-level")
	}
	logger, err := buildLogger(level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.Named("watchctl").Sugar(), nil
}

// dial opens the control connection.
// Failing to connect is a startup error for every command that needs the watcher.
func dial(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, opts ...watcher.ClientOption) (*watcher.Client, error) {
	tlsConfig, err := watcher.LoadClientTLSConfig(cfg.CACert, cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("loading TLS config: %w", err)
	}

	opts = append([]watcher.ClientOption{
		watcher.WithServerName(cfg.ServerName),
		watcher.WithRequestTimeout(time.Duration(cfg.RequestTimeout)),
		watcher.WithHandshakeTimeout(time.Duration(cfg.HandshakeTimeout)),
	}, opts...)
	client, err := watcher.NewClient(ctx, log, tlsConfig, cfg.Host, cfg.Port, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to start, watcher connection failed: %w", err)
	}
	return client, nil
}

func connect(ctx *cli.Context) (*watcher.Client, error) {
	cfg, log, err := setup(ctx)
	if err != nil {
		return nil, err
	}
	return dial(ctx.Context, cfg, log)
}

func evalAction(ctx *cli.Context) error {
	script := strings.Join(ctx.Args().Slice(), " ")
	if script == "" {
		return errors.New("a script is required")
	}
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	vals, err := client.Eval(ctx.Context, script)
	if err != nil {
		return err
	}
	for i, v := range vals {
		out, err := v.Interface()
		if err != nil {
			return fmt.Errorf("decoding value %d: %w", i, err)
		}
		fmt.Println(out)
	}
	return nil
}

func rebootAction(ctx *cli.Context) error {
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	return client.Reboot(ctx.Context, ctx.Bool("hard"))
}

func snapshotAction(ctx *cli.Context) error {
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	snap, err := client.Snapshot(ctx.Context)
	if err != nil {
		return err
	}
	fd := os.Stdout.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		renderSnapshot(os.Stdout, snap)
		return nil
	}
	return json.NewEncoder(os.Stdout).Encode(snap)
}

func renderSnapshot(w io.Writer, snap *watcher.Snapshot) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	tw.AppendRows([]table.Row{
		{"Ping (ms)", snap.Ping},
		{"Reboots", snap.Reboots},
		{"Owners", strings.Join(snap.Owners, ", ")},
		{"JVM args", strings.Join(snap.JVMArgs, " ")},
	})
	tw.Render()
}

func listenAction(ctx *cli.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := setup(ctx)
	if err != nil {
		return err
	}
	// watchctl owns no schedulers or shards, so a shutdown directive goes straight to the exit.
	handler := supervise.NewHandler(log, &supervise.Set{})
	client, err := dial(ctx.Context, cfg, log, watcher.WithPushHandler(handler))
	if err != nil {
		return err
	}

	log.Infow("listening for watcher directives", "ConnID", client.ID())
	select {
	case <-sigCtx.Done():
		log.Info("interrupted, closing watcher connection")
		return client.Close()
	case <-client.Done():
		client.Close()
		return errors.New("watcher connection lost")
	}
}
