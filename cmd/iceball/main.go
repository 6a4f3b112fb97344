package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/iceball/predictor/internal/catalog"
	"github.com/iceball/predictor/internal/log"
	"github.com/iceball/predictor/internal/model"
	"github.com/iceball/predictor/internal/terminology"
)

var (
	userConfigPath string // /default/config/path/iceball on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	logBase        slog.Handler
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "iceball")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is iceball.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initIceball
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("iceball failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "iceball",
	Short:        "Predicts the iceball of a cryoablation from MR images",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of iceball",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("iceball: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("iceball: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initIceball(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("ICEBALLCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "iceball.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "iceball.yaml")
		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}
		if err := os.WriteFile(configPath, model.DefaultYAML(), 0o644); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
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
			for _, d := range model.ConfigErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closer, err := log.Writer(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	logger := log.New(w, config.Service.Verbose)
	logBase = logger.Handler()
	slog.SetDefault(logger)

	slog.Debug("iceball run", "configPath", configPath)
	slog.Debug("iceball run", "config", config)
	return nil
}

// teeLines makes Info and above messages visible as plain lines in w.
func teeLines(w io.Writer) {
	slog.SetDefault(slog.New(log.NewLinesHandler(logBase, w)))
}

func openCatalog() (*catalog.Catalog, error) {
	path := config.Models.Catalog
	if path == "" {
		path = filepath.Join(userConfigPath, "models.json")
	}
	opts := []catalog.Option{
		catalog.WithRetries(config.Models.DownloadRetries, time.Second),
		catalog.WithKeepTemp(config.Pipeline.KeepTemp),
	}
	if config.Models.DownloadTimeout > 0 {
		opts = append(opts, catalog.WithHTTPClient(&http.Client{Timeout: config.Models.DownloadTimeout}))
	}
	if config.Models.Dir != "" {
		opts = append(opts, catalog.WithModelsDir(config.Models.Dir))
	}
	return catalog.Load(path, opts...)
}

func terminologyTable() (*terminology.Table, error) {
	if config.Terminology.File == "" {
		return terminology.Default(), nil
	}
	return terminology.LoadFile(config.Terminology.File)
}

func historyPath() string {
	if config.History.Path != "" {
		return config.History.Path
	}
	return filepath.Join(userConfigPath, "history.db")
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
