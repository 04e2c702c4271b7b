// Package cmd wires the CLI verbs to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"mudgate/config"
	"mudgate/internal/core"
	"mudgate/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X mudgate/cmd.version=2.0.0"
var version = "0.1.0" //nolint:gochecknoglobals

type binder = func(*flag.FlagSet, *config.Config)

// globals are the root's persistent flags.
type globals struct {
	configPath string
	verbose    int
	dryRun     bool
}

// Execute parses args and runs the selected verb.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd(os.Stdout, os.Stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "mudgate",
		Short: "Connection-holding gateway for multi-user text games",
		Long: `mudgate keeps player connections open while the game server restarts.

The portal holds every telnet, TLS, SSH, WebSocket and webclient
connection.  The server runs the game logic and attaches to the portal
over a loopback control port; it can restart without dropping players.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetVersionTemplate("mudgate {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	pf.CountVarP(&g.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	pf.BoolVar(&g.dryRun, "dry-run", false, "Print the effective configuration and exit")

	root.AddCommand(
		verbCmd(g, core.VerbPortal, "Run the portal only", nil, bindControl, bindPortal),
		verbCmd(g, core.VerbServer, "Run the server and attach to a portal", nil, bindControl, bindServer),
		verbCmd(g, core.VerbStart, "Run the portal and supervise a server", nil, bindControl, bindPortal, bindServer, bindSupervisor),
		verbCmd(g, core.VerbStop, "Stop a running portal and its server", nil, bindControl),
		verbCmd(g, core.VerbRestart, "Restart the server; players stay connected", func(fs *flag.FlagSet, o *core.Options) {
			fs.StringVar(&o.Reason, "reason", "", "Reason shown in the server log")
		}, bindControl),
		verbCmd(g, core.VerbReboot, "Reboot portal and server; players are disconnected", nil, bindControl),
		verbCmd(g, core.VerbStatus, "Show portal, link and session status", func(fs *flag.FlagSet, o *core.Options) {
			fs.BoolVar(&o.JSON, "json", false, "Print status as JSON")
		}, bindControl),
		versionCmd(),
	)
	return root
}

// verbCmd builds one verb.  binders declare the Config flags the verb
// accepts; extra declares verb-only options.
func verbCmd(g *globals, verb, short string, extra func(*flag.FlagSet, *core.Options), binders ...binder) *cobra.Command {
	opts := &core.Options{}
	scratch := config.Default()

	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, verb, g, opts, binders)
		},
	}
	for _, bind := range binders {
		bind(cmd.Flags(), scratch)
	}
	if extra != nil {
		extra(cmd.Flags(), opts)
	}
	return cmd
}

func run(cmd *cobra.Command, verb string, g *globals, opts *core.Options, binders []binder) error {
	cfg, err := loadConfig(cmd.Flags(), g, binders)
	if err != nil {
		return err
	}

	if g.dryRun {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	}

	logger := util.NewLogger(cfg.Log.Verbosity())
	logger.SetTimestamps(cfg.Log.Timestamps)
	logger.SetOutput(cmd.ErrOrStderr())

	if g.configPath != "" {
		if opts.ConfigPath, err = filepath.Abs(g.configPath); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}
	opts.Out = cmd.OutOrStdout()

	mode, err := core.Build(verb, cfg, *opts, logger)
	if err != nil {
		return err
	}
	return mode.Run(cmd.Context())
}

// loadConfig applies defaults, file, environment and then the flags
// the user set, in that order, and validates the result.
func loadConfig(fs *flag.FlagSet, g *globals, binders []binder) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if err := reapply(fs, cfg, binders...); err != nil {
		return nil, err
	}
	if g.verbose > 0 {
		cfg.Log.Level = levelName(int(util.LogNormal) + g.verbose)
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func levelName(v int) string {
	switch {
	case v <= int(util.LogQuiet):
		return "quiet"
	case v == int(util.LogNormal):
		return "info"
	case v == int(util.LogVerbose):
		return "verbose"
	default:
		return "debug"
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mudgate %s\n", version)
		},
	}
}
