package main

import (
	"fmt"
	"os"
	"runtime"

	"vrjls/internal/config"
	"vrjls/internal/server"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// Version will be set during the build process using ldflags
var Version = "(dev) v0.0.0"

var (
	logfileFlag   string
	configFlag    string
	engineFlag    string
	verbosityFlag int
)

var rootCmd = &cobra.Command{
	Use:   "vrjls",
	Short: "Language server bridging editors to the vrj analysis engine",
	Long: `vrjls speaks LSP on stdio and forwards documents and completion requests
to a long running analysis engine over line delimited JSON.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.SetVersionTemplate("vrjls LSP server version {{.Version}}\n")
	rootCmd.Flags().StringVar(&logfileFlag, "logfile", "", "Path to log file (default: stderr)")
	rootCmd.Flags().StringVar(&configFlag, "config", "", "Path to a config file (toml, yaml or json)")
	rootCmd.Flags().StringVar(&engineFlag, "engine", "", "Engine executable, overrides engine.command")
	rootCmd.Flags().CountVarP(&verbosityFlag, "verbose", "v", "Increase log verbosity")
}

func run(cmd *cobra.Command, args []string) error {
	// Logging
	var path *string
	if logfileFlag != "" {
		path = &logfileFlag
	}
	commonlog.Configure(1+verbosityFlag, path)
	log := commonlog.GetLogger("vrjls")

	runtime.GOMAXPROCS(4)

	// Config
	v, err := config.NewViper(configFlag)
	if err != nil {
		return err
	}
	if err := v.BindPFlag("engine.command", cmd.Flags().Lookup("engine")); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	log.Noticef("starting vrjls %s (engine %s)", Version, cfg.Engine.Command)
	return server.New(cfg, Version).RunStdio()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vrjls: %v\n", err)
		os.Exit(1)
	}
}
