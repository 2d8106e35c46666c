package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Inouye165/whiteboard/internal/auth"
	"github.com/Inouye165/whiteboard/internal/boards"
	"github.com/Inouye165/whiteboard/internal/config"
	"github.com/Inouye165/whiteboard/internal/database"
	"github.com/Inouye165/whiteboard/internal/logging"
	"github.com/Inouye165/whiteboard/internal/server"
	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "whiteboard-api",
		Short: "Realtime whiteboard sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newMembersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Socket token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("whiteboard.allowed_origins"), "Comma-separated origins allowed to open board sockets")
	cmd.PersistentFlags().Bool("whiteboard-enabled", defaults.GetBool("whiteboard.enabled"), "Accept board socket upgrades")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "whiteboard.allowed_origins", "allowed-origins")
	bindFlag(cmd, "whiteboard.enabled", "whiteboard-enabled")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type application struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &application{config: appConfig, logger: logger, db: db}, nil
}

func (app *application) close() {
	if sqlDB, err := app.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = app.logger.Sync()
}

func (app *application) tokenManager() (*auth.TokenManager, error) {
	return auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(app.config.SigningSecret),
		Issuer:        app.config.Issuer,
		TokenTTL:      app.config.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	tokenManager, err := app.tokenManager()
	if err != nil {
		return err
	}
	store, err := whiteboard.NewStore(whiteboard.StoreConfig{
		Database: app.db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	members, err := boards.NewService(boards.ServiceConfig{Database: app.db})
	if err != nil {
		return err
	}

	boardConfig := app.config.Whiteboard
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:  tokenManager,
		Members: members,
		Store:   store,
		Socket: server.SocketConfig{
			Enabled:             boardConfig.Enabled,
			AllowedOrigins:      boardConfig.AllowedOrigins,
			HistoryCap:          boardConfig.HistoryCap,
			ReplayCap:           boardConfig.ReplayCap,
			RateLimitWindow:     boardConfig.RateLimitWindow,
			RateLimitMaxEvents:  boardConfig.RateLimitMaxEvents,
			MaxPayloadBytes:     boardConfig.MaxPayloadBytes,
			RequireSegmentIndex: boardConfig.RequireSegmentIndex,
			PingTimeout:         boardConfig.PingTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}
	httpServer.RegisterOnShutdown(handler.CloseSessions)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", app.config.HTTPAddress),
			zap.Bool("whiteboard_enabled", boardConfig.Enabled),
			zap.Strings("allowed_origins", boardConfig.AllowedOrigins))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage socket tokens",
	}
	var userID string
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a socket token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := tokenManager.IssueToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	issueCmd.Flags().StringVar(&userID, "user", "", "User identifier placed in the token subject")
	_ = issueCmd.MarkFlagRequired("user")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func newMembersCommand() *cobra.Command {
	membersCmd := &cobra.Command{
		Use:   "members",
		Short: "Manage board membership",
	}
	membersCmd.AddCommand(
		newMembershipCommand("grant", "Allow a user to open a board", (*boards.Service).Grant),
		newMembershipCommand("revoke", "Remove a user from a board", (*boards.Service).Revoke),
	)
	return membersCmd
}

func newMembershipCommand(use, short string, apply func(*boards.Service, context.Context, string, string) error) *cobra.Command {
	var boardID, userID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			board, err := whiteboard.NewBoardID(boardID)
			if err != nil {
				return err
			}
			app, err := openApplication()
			if err != nil {
				return err
			}
			defer app.close()

			members, err := boards.NewService(boards.ServiceConfig{Database: app.db})
			if err != nil {
				return err
			}
			if err := apply(members, cmd.Context(), board.String(), userID); err != nil {
				return err
			}
			app.logger.Info("board membership updated",
				zap.String("action", use),
				zap.String("board_id", board.String()),
				zap.String("user_id", userID))
			return nil
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "", "Board identifier (UUID)")
	cmd.Flags().StringVar(&userID, "user", "", "User identifier")
	_ = cmd.MarkFlagRequired("board")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
