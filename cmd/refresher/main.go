package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/marketdesk/refresher/internal/log"
	"github.com/marketdesk/refresher/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/refresher on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "refresher")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is refresher.yaml in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("listen", "", "listen address, overrides service.listen")
	rootCmd.PersistentFlags().String("database", "", "sqlite database path, overrides auth.database")
	rootCmd.PersistentFlags().String("static-dir", "", "dashboard directory, overrides service.static_dir")
	_ = viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("database"))
	_ = viper.BindPFlag("static_dir", rootCmd.PersistentFlags().Lookup("static-dir"))

	// REFRESHER_LISTEN, REFRESHER_DATABASE, REFRESHER_STATIC_DIR
	viper.SetEnvPrefix("REFRESHER")
	viper.AutomaticEnv()

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRefresher

	runCmd.Flags().BoolVar(&flagAll, "all", false, "refresh all modules in catalog order")
	userAddCmd.Flags().BoolVar(&flagAdmin, "admin", false, "create an administrator")
	userAddCmd.Flags().StringVar(&flagDisplayName, "display-name", "", "display name of the user")
	for _, c := range []*cobra.Command{userAddCmd, userPasswdCmd} {
		c.Flags().StringVar(&flagPassword, "password", "", "password, generated and printed when empty")
	}
	userCmd.AddCommand(userAddCmd, userPasswdCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	_ = closeLog()
	if err != nil {
		slog.Error("refresher failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "refresher",
	Short:        "Runs data refresh pipelines one at a time behind an authenticated dashboard",
	SilenceUsage: true,
}

func initRefresher(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("REFRESHER_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "refresher.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "refresher.yaml")
		if err := writeConfig(configPath, config); err != nil {
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
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// flags and environment have a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	if v := viper.GetString("listen"); v != "" {
		config.Service.Listen = v
	}
	if v := viper.GetString("database"); v != "" {
		config.Auth.Database = v
	}
	if v := viper.GetString("static_dir"); v != "" {
		config.Service.StaticDir = v
	}

	// initialize logging
	w, closer, err := log.Output(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("refresher run", "configPath", configPath)
	slog.Debug("refresher run", "config", config)
	return nil
}

func writeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
