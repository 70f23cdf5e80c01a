package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soocke/stbkpi-go/assets"
	"github.com/soocke/stbkpi-go/config"
	"github.com/soocke/stbkpi-go/debug"
	"github.com/soocke/stbkpi-go/domain/kpi"
	"github.com/soocke/stbkpi-go/domain/timing"
	"github.com/soocke/stbkpi-go/metrics"
)

// LoggerFactory builds the process logger once the configuration is known.
type LoggerFactory func(level slog.Leveler, format string, w io.Writer) *slog.Logger

type cli struct {
	cfgPath   string
	newLogger LoggerFactory
	container *AppContainer
	stop      context.CancelFunc
}

// flagKeys binds command-line flags to configuration keys.
var flagKeys = map[string]string{
	"debug":          "debug",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"serial":         "device.serial",
	"input":          "capture.input",
	"source":         "capture.source",
	"output":         "output.root",
	"metrics-listen": "metrics.listen",
	"iterations":     "zap.iterations",
	"trigger":        "boot.trigger",
}

// RootCommand creates the stbkpi command tree.
func RootCommand(newLogger LoggerFactory) *cobra.Command {
	c := &cli{newLogger: newLogger}
	root := &cobra.Command{
		Use:           "stbkpi",
		Short:         "Measure set-top box boot and channel change times from a video feed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&c.cfgPath, "config", "c", "stbkpi.yaml", "configuration file")
	pf.BoolP("debug", "d", false, "log goroutine and memory statistics")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "json", "log format: json or text")
	pf.String("serial", "", "adb serial of the device, e.g. 192.168.1.122:5555")
	pf.String("input", "", "capture input: device node, file or stream URL")
	pf.String("source", "", "frame source: ffmpeg or screen")
	pf.String("output", "", "result root directory")
	pf.String("metrics-listen", "", "serve Prometheus metrics on this address")
	pf.Bool("no-record", false, "do not record the video artifact")

	root.PersistentPreRunE = c.setup

	root.AddCommand(c.bootCommand(), c.zapCommand(), c.checkCommand(), kpiCommand(), configCommand())
	return root
}

func needsContainer(cmd *cobra.Command) bool {
	for p := cmd; p != nil; p = p.Parent() {
		if p.Annotations["container"] == "true" {
			return true
		}
	}
	return false
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if !needsContainer(cmd) {
		return nil
	}
	v, err := config.NewViper(c.cfgPath)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	if noRec, _ := cmd.Flags().GetBool("no-record"); noRec {
		cfg.Recording.Enabled = false
	}
	logger := c.newLogger(parseLevel(cfg.Log.Level), cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(cmd.Context())
	c.stop = stop
	if c.container, err = BuildContainer(cfg, logger); err != nil {
		stop()
		return err
	}
	if cfg.Debug {
		debug.StartGoroutineLogger(ctx, 10*time.Second, logger)
		debug.StartMemLogger(ctx, 10*time.Second, logger)
	}
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, c.container.Registry, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}
	logger.Debug("configuration loaded", "path", c.cfgPath, "source", cfg.Capture.Source, "device", cfg.Device.Serial)
	return nil
}

func (c *cli) teardown() {
	if c.container != nil {
		c.container.Close()
	}
	if c.stop != nil {
		c.stop()
	}
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func (c *cli) bootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "boot",
		Short:       "Reboot the device and time blackout, recovery and the boot signature",
		Annotations: map[string]string{"container": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer c.teardown()
			res, err := c.container.Boot(cmd.Context())
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), []timing.Result{res})
		},
	}
	cmd.Flags().String("trigger", "", "trigger kind: reboot or power_cycle")
	return cmd
}

func (c *cli) zapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "zap",
		Short:       "Change channel and time until live picture or an error screen",
		Annotations: map[string]string{"container": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer c.teardown()
			results, err := c.container.Zap(cmd.Context())
			if perr := printResults(cmd.OutOrStdout(), results); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntP("iterations", "n", 0, "number of channel changes")
	return cmd
}

// printResults writes one JSON document per result.
func printResults(w io.Writer, results []timing.Result) error {
	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(kpi.NewMessage(r, "")); err != nil {
			return err
		}
	}
	return nil
}

func kpiCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "kpi", Short: "Inspect KPI logs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <log>...",
		Short: "Summarise KPI logs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, path := range args {
				log, err := kpi.ReadLog(path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				writeSummary(cmd.OutOrStdout(), path, log)
			}
			return errors.Join(errs...)
		},
	})
	return cmd
}

// Summary aggregates the measured entries of a KPI log.
type Summary struct {
	Runs, Measured, Failed int
	Min, Max, Mean         float64
	OverExpected           int
}

// Summarize computes statistics over the measured entries of log.
func Summarize(log *kpi.Log) Summary {
	s := Summary{Runs: len(log.Entries)}
	var sum float64
	for _, e := range log.Entries {
		if !e.Measured {
			s.Failed++
			continue
		}
		if s.Measured == 0 || e.Value < s.Min {
			s.Min = e.Value
		}
		if s.Measured == 0 || e.Value > s.Max {
			s.Max = e.Value
		}
		s.Measured++
		sum += e.Value
		if log.Expected > 0 && e.Value > log.Expected {
			s.OverExpected++
		}
	}
	if s.Measured > 0 {
		s.Mean = sum / float64(s.Measured)
	}
	return s
}

func writeSummary(w io.Writer, path string, log *kpi.Log) {
	s := Summarize(log)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "log\t%s\n", path)
	fmt.Fprintf(tw, "%s\t%.2f s expected\n", log.Label, log.Expected)
	fmt.Fprintf(tw, "runs\t%s (%s measured, %s failed)\n", humanize.Comma(int64(s.Runs)), humanize.Comma(int64(s.Measured)), humanize.Comma(int64(s.Failed)))
	if s.Measured > 0 {
		fmt.Fprintf(tw, "min / mean / max\t%.2f / %.2f / %.2f s\n", s.Min, s.Mean, s.Max)
		fmt.Fprintf(tw, "over expected\t%d (%s)\n", s.OverExpected, humanize.FtoaWithDigits(100*float64(s.OverExpected)/float64(s.Measured), 1)+"%")
	}
	tw.Flush()
	fmt.Fprintln(w, strings.Repeat("-", 40))
}

func configCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage the configuration file"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the annotated example configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", args[0])
			}
			if err := os.WriteFile(args[0], assets.ExampleConfig, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd, &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
