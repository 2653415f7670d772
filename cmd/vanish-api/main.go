package main

import (
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/vanish/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand(config.NewViper()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(configViper *viper.Viper) *cobra.Command {
	var (
		cfgFile string
		envFile string
	)

	rootCmd := &cobra.Command{
		Use:          "vanish-api",
		Short:        "Vanish disappearing notes service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(configViper, cfgFile, envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configViper)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a dotenv file loaded before reading the environment")
	setupFlags(rootCmd, configViper)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default when no subcommand is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configViper)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete every expired note once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), configViper, cmd.OutOrStdout())
		},
	})

	return rootCmd
}

func setupFlags(cmd *cobra.Command, configViper *viper.Viper) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("trusted-proxies", nil, "Proxy IPs or CIDRs whose forwarding headers identify the client")
	flags.String("trusted-platform", "", "Hosting platform whose client IP header is trusted (cloudflare, google-app-engine)")
	flags.String("store-driver", defaults.GetString("store.driver"), "Note store (sqlite, mysql, postgres, redis)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "MySQL or Postgres DSN")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("base-url", defaults.GetString("notes.base_url"), "Public base URL used in share links")
	flags.Int("max-lifetime-minutes", defaults.GetInt("notes.max_lifetime_minutes"), "Longest accepted note lifetime in minutes")
	flags.Duration("sweep-interval", defaults.GetDuration("notes.sweep_interval"), "Expired note sweep interval (0 disables)")
	flags.String("signing-secret", "", "Owner token signing secret (overrides env)")

	bindFlag(cmd, configViper, "http.address", "http-address")
	bindFlag(cmd, configViper, "http.trusted_proxies", "trusted-proxies")
	bindFlag(cmd, configViper, "http.trusted_platform", "trusted-platform")
	bindFlag(cmd, configViper, "store.driver", "store-driver")
	bindFlag(cmd, configViper, "database.path", "database-path")
	bindFlag(cmd, configViper, "database.dsn", "database-dsn")
	bindFlag(cmd, configViper, "redis.address", "redis-address")
	bindFlag(cmd, configViper, "log.level", "log-level")
	bindFlag(cmd, configViper, "log.format", "log-format")
	bindFlag(cmd, configViper, "notes.base_url", "base-url")
	bindFlag(cmd, configViper, "notes.max_lifetime_minutes", "max-lifetime-minutes")
	bindFlag(cmd, configViper, "notes.sweep_interval", "sweep-interval")
	bindFlag(cmd, configViper, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, configViper *viper.Viper, key, flag string) {
	if err := configViper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig(configViper *viper.Viper, cfgFile, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	if cfgFile == "" {
		return nil
	}
	configViper.SetConfigFile(cfgFile)
	if err := configViper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}
