// cmd/devnode runs a development ledger node: the node API (reads and
// reveals), the commit API and a background block sealer.
//
// Usage:
//
//	go run ./cmd/devnode
//	go run ./cmd/devnode --single-port
//	DATABASE_URL=postgres://... go run ./cmd/devnode
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/internal/devnode"
	"github.com/jmerrifield20/factomledger/internal/nodestore"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "devnode",
	Short:        "Development ledger node",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _ := zap.NewProduction()
		defer logger.Sync() //nolint:errcheck

		if err := run(logger); err != nil {
			logger.Error("devnode exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default configs/devnode.yaml or ./devnode.yaml)")
	rootCmd.Flags().Bool("single-port", false, "serve the commit API on the node port too")
	rootCmd.Flags().Int("node-port", 8088, "node API port")
	rootCmd.Flags().Int("commit-port", 8089, "commit API port")
	rootCmd.Flags().Bool("memory", false, "use the in-memory store even when a database URL is configured")

	_ = viper.BindPFlag("devnode.single_port", rootCmd.Flags().Lookup("single-port"))
	_ = viper.BindPFlag("devnode.node_port", rootCmd.Flags().Lookup("node-port"))
	_ = viper.BindPFlag("devnode.commit_port", rootCmd.Flags().Lookup("commit-port"))
	_ = viper.BindPFlag("devnode.memory", rootCmd.Flags().Lookup("memory"))
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("devnode")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("configs")
		viper.AddConfigPath(".")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("database.url", "DATABASE_URL")

	viper.SetDefault("devnode.block_interval", devnode.DefaultBlockInterval)
	viper.SetDefault("devnode.rate_limit_rps", 50)
	viper.SetDefault("devnode.cors_origins", []string{"*"})
	viper.SetDefault("devnode.credits", map[string]string{"local": "10000"})
	viper.SetDefault("database.url", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ────────────────────────────────────────────────────────────────
	var store nodestore.Store
	dbURL := viper.GetString("database.url")
	if dbURL == "" || viper.GetBool("devnode.memory") {
		store = nodestore.NewMemoryStore()
		logger.Info("using in-memory store; state is lost on exit")
	} else {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		store = nodestore.NewPostgresStore(db, logger)
	}

	if err := seedCredits(ctx, store, viper.GetStringMapString("devnode.credits"), logger); err != nil {
		return err
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := devnode.NewServer(store, devnode.Config{
		NodeAddr:      fmt.Sprintf(":%d", viper.GetInt("devnode.node_port")),
		CommitAddr:    fmt.Sprintf(":%d", viper.GetInt("devnode.commit_port")),
		SinglePort:    viper.GetBool("devnode.single_port"),
		BlockInterval: viper.GetDuration("devnode.block_interval"),
		RateLimitRPS:  viper.GetInt("devnode.rate_limit_rps"),
		CORSOrigins:   viper.GetStringSlice("devnode.cors_origins"),
	}, logger)

	return srv.Run(ctx)
}

// seedCredits tops each named balance up to the configured amount.
func seedCredits(ctx context.Context, store nodestore.Store, credits map[string]string, logger *zap.Logger) error {
	for name, raw := range credits {
		want, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("devnode.credits.%s: %w", name, err)
		}
		have, err := store.Balance(ctx, name)
		if err != nil {
			return fmt.Errorf("read balance %s: %w", name, err)
		}
		if have >= want {
			continue
		}
		if _, err := store.Credit(ctx, name, want-have); err != nil {
			return fmt.Errorf("credit %s: %w", name, err)
		}
		logger.Info("credited entry credits", zap.String("name", name), zap.Int64("balance", want))
	}
	return nil
}
