// Command jsrun evaluates JavaScript and TypeScript files from the command
// line in a single host instance.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"

	"github.com/nateabele/jsengine/internal/host"
	"github.com/nateabele/jsengine/internal/loader"
)

func main() {
	cmd := &cli.Command{
		Name:      "jsrun",
		Usage:     "run scripts in an embedded JavaScript engine",
		ArgsUsage: "[FILES...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "root",
				Value: ".",
				Usage: "directory files and imports resolve in",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "abort evaluation after this long",
			},
			&cli.StringFlag{
				Name:  "eval",
				Usage: "evaluate `CODE` after loading files",
			},
			&cli.BoolFlag{
				Name:  "module",
				Usage: "evaluate --eval code as an ES module",
			},
			&cli.StringFlag{
				Name:  "call",
				Usage: "call global function `FN` last",
			},
			&cli.StringSliceFlag{
				Name:  "arg",
				Usage: "JSON-encoded `VALUE` passed to --call, repeatable",
			},
			&cli.IntFlag{
				Name:  "max-timers",
				Value: host.DefaultMaxPendingTimers,
				Usage: "pending timer limit",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log engine diagnostics to stderr",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	files := cmd.Args().Slice()
	code, fn := cmd.String("eval"), cmd.String("call")
	if len(files) == 0 && code == "" && fn == "" {
		return errors.New("nothing to run: pass files, --eval or --call")
	}

	args, err := parseArgs(cmd.StringSlice("arg"))
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))

	modules, err := loader.New(cmd.String("root"))
	if err != nil {
		return err
	}
	defer modules.Close()

	inst, err := host.New(host.Options{
		Sink:             consoleSink{},
		Source:           modules,
		MaxPendingTimers: int(cmd.Int("max-timers")),
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer inst.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	if len(files) > 0 {
		logger.Debug("loading files", "files", files)
		if err := inst.LoadFiles(ctx, files...); err != nil {
			return err
		}
	}

	if code != "" {
		var mod *host.ModuleContext
		if cmd.Bool("module") {
			mod = &host.ModuleContext{}
		}
		v, err := inst.RunScript(ctx, code, mod)
		if err != nil {
			return err
		}
		if err := printResult(v); err != nil {
			return err
		}
	}

	if fn != "" {
		v, err := inst.Call(ctx, fn, args...)
		if err != nil {
			return err
		}
		if err := printResult(v); err != nil {
			return err
		}
	}
	return nil
}

func parseArgs(raw []string) ([]any, error) {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("--arg %q: %w", s, err)
		}
		args = append(args, v)
	}
	return args, nil
}

func printResult(v any) error {
	text, err := host.EncodeResult(v)
	if err != nil || text == "" {
		return err
	}
	color.New(color.FgGreen).Println(text)
	return nil
}

func printError(err error) {
	red := color.New(color.FgRed, color.Bold)
	var serr *host.ScriptEvaluationError
	if errors.As(err, &serr) {
		red.Fprintln(os.Stderr, "error:", serr.Message)
		if serr.Location != nil {
			color.New(color.Faint).Fprintf(os.Stderr, "    at %s\n", serr.Location)
		}
		return
	}
	red.Fprintln(os.Stderr, "error:", err)
}

// consoleSink writes script output verbatim, with the error stream in yellow.
type consoleSink struct{}

func (consoleSink) Emit(rec host.OutputRecord) {
	if rec.Stream == host.StreamErr {
		color.New(color.FgYellow).Fprint(os.Stderr, rec.Text)
		return
	}
	fmt.Fprint(os.Stdout, rec.Text)
}
