package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/paladini/echo-transcribe/internal/folders"
	"github.com/paladini/echo-transcribe/internal/journal"
	"github.com/paladini/echo-transcribe/internal/log"
	"github.com/paladini/echo-transcribe/internal/model"
	"github.com/paladini/echo-transcribe/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const (
	configEnv  = "ECHOSHELL_CONFIG"
	configName = "echoshell.yaml"
)

var (
	userConfigPath string // /default/config/path/echoshell on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logOut         io.Closer // set when logging into a file

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagHistoryLimit   int    // value of history --limit flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "echoshell")

	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initShell
	rootCmd.PersistentPostRunE = closeLog

	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 20, "number of startup attempts to show, 0 shows all")
	downloadsCmd.AddCommand(downloadsPathCmd)
	downloadsCmd.AddCommand(downloadsOpenCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(downloadsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("echoshell failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "echoshell",
	Short:        "Starts, supervises and checks the transcription backend",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the backend and keep watching it until interrupted",
	RunE:  doRun,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "print whether the backend answers its health endpoint",
	RunE:  doHealth,
}

var downloadsCmd = &cobra.Command{
	Use:   "downloads",
	Short: "user's download folder",
}

var downloadsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "print the download folder",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := folders.DownloadsPath()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
		return err
	},
}

var downloadsOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "open the download folder in the file manager",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := folders.DownloadsPath()
		if err != nil {
			return err
		}
		msg, err := folders.NewOpener().Open(cmd.Context(), path)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), msg)
		return err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list recent backend startup attempts",
	RunE:  doHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an echoshell",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("echoshell: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("echoshell: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "run")
	shell, err := service.NewShell(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := shell.Close(); err != nil {
			slog.ErrorContext(ctx, "closing shell", "error", err)
		}
	}()
	return shell.Run(ctx)
}

func doHealth(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "health")
	disabled := false
	cfg := config
	// a one-off probe needs neither the journal nor the monitor
	cfg.Journal = &model.Journal{Enabled: &disabled}
	if cfg.Readiness != nil {
		r := *cfg.Readiness
		r.Monitor = &model.Monitor{Enabled: &disabled}
		cfg.Readiness = &r
	} else {
		cfg.Readiness = &model.Readiness{Monitor: &model.Monitor{Enabled: &disabled}}
	}

	shell, err := service.NewShell(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = shell.Close()
	}()

	status := "unavailable"
	if shell.CheckHealth(ctx) {
		status = "available"
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), status)
	return err
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "history")
	if !config.JournalEnabled() {
		return service.ErrJournalDisabled
	}
	db, err := journal.Open(ctx, config.JournalPath())
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	runs, err := journal.List(ctx, db, flagHistoryLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, run := range runs {
		if _, err := fmt.Fprintln(out, run.String()); err != nil {
			return err
		}
	}
	return nil
}

func cmdContext(cmd *cobra.Command, name string) context.Context {
	attrs := slog.Group("echoshell",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func initShell(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(configEnv); ok && envConfig != "" {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		verbose := true
		config.Service.Verbose = &verbose
	}

	w, err := logWriter(config.Service.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(log.New(w, config.Verbose(), config.Service.Format))

	slog.Debug("echoshell", "configPath", configPath)
	slog.Debug("echoshell", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		_ = f.Close()
		return fmt.Errorf("storing configuration: %w", err)
	}
	return errors.Join(enc.Close(), f.Close())
}

func logWriter(target string) (io.Writer, error) {
	switch target {
	case "", model.LogStderr:
		return os.Stderr, nil
	case model.LogStdout:
		return os.Stdout, nil
	case model.LogDiscard:
		return io.Discard, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	logOut = f
	return f, nil
}

func closeLog(*cobra.Command, []string) error {
	if logOut == nil {
		return nil
	}
	err := logOut.Close()
	logOut = nil
	return err
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
