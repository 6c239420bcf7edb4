package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/interop/interop/internal/config"
	"github.com/interop/interop/internal/domain/chat"
	"github.com/interop/interop/internal/domain/identity"
	"github.com/interop/interop/internal/domain/ingestion"
	"github.com/interop/interop/internal/domain/mapping"
	"github.com/interop/interop/internal/domain/omop"
	"github.com/interop/interop/internal/domain/recordstore"
	"github.com/interop/interop/internal/domain/transform"
	"github.com/interop/interop/internal/domain/vocabulary"
	"github.com/interop/interop/internal/platform/ai"
	"github.com/interop/interop/internal/platform/db"
	"github.com/interop/interop/internal/platform/middleware"
	platformmongo "github.com/interop/interop/internal/platform/mongo"
	"github.com/interop/interop/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "interop-server",
		Short: "Healthcare data interoperability engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedVocabCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the interoperability API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run catalog database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			conn, err := db.Open(ctx, cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer conn.Close()

			count, err := db.NewMigrator(conn, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Migrations directory (default: compiled-in)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			conn, err := db.Open(ctx, cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer conn.Close()

			statuses, err := db.NewMigrator(conn, dir).Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-30s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-30s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Migrations directory (default: compiled-in)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedVocabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed-vocab",
		Short: "Load OMOP concept vocabulary from CSV files",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}

			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
			vocab := vocabulary.NewService(vocabulary.NewInMemoryApprovalRepo(), logger)
			result, err := vocab.SeedFromDirectory(dir)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d concept(s), skipped %d malformed row(s).\n", result.Loaded, result.Skipped)
			return nil
		},
	}
	cmd.Flags().String("dir", "", "Directory of vocabulary CSV files")
	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Job catalog (relational store).
	catalog, err := db.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open job catalog")
	}
	defer catalog.Close()

	applied, err := db.NewMigrator(catalog, "").Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate job catalog")
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("catalog migrations applied")
	}

	// Record store (document store). When the backend is unreachable in
	// development the engine runs on the in-memory store so the mapping
	// workflow stays usable without infrastructure.
	var store recordstore.Store
	var approvals vocabulary.ApprovalRepository
	var supervisor *ingestion.Supervisor
	connectors := ingestion.NewConnectorRegistry()

	mongoClient, err := platformmongo.Connect(ctx, cfg.MongoURI())
	if err != nil {
		if !cfg.IsDev() {
			logger.Fatal().Err(err).Msg("connect record store")
		}
		logger.Warn().Err(err).Msg("record store unreachable; using in-memory store (dev mode)")
		store = recordstore.NewInMemoryStore()
		approvals = vocabulary.NewInMemoryApprovalRepo()
	} else {
		defer mongoClient.Disconnect(context.Background())
		database := mongoClient.Database(cfg.MongoDB)
		mongoStore, err := recordstore.NewMongoStore(ctx, database)
		if err != nil {
			logger.Fatal().Err(err).Msg("init record store")
		}
		store = mongoStore
		approvals, err = vocabulary.NewMongoApprovalRepo(ctx, database)
		if err != nil {
			logger.Fatal().Err(err).Msg("init approval store")
		}
		connectors.Register("mongodb", ingestion.MongoConnectorFactory(mongoClient))
		logger.Info().Str("db", cfg.MongoDB).Msg("connected to record store")
	}

	// Vocabulary.
	vocab := vocabulary.NewService(approvals, logger)
	if cfg.VocabularySeedDir != "" {
		result, err := vocab.SeedFromDirectory(cfg.VocabularySeedDir)
		if err != nil {
			logger.Warn().Err(err).Str("dir", cfg.VocabularySeedDir).Msg("vocabulary seed failed")
		} else {
			logger.Info().Int("loaded", result.Loaded).Int("skipped", result.Skipped).Msg("vocabulary seeded")
		}
	}

	// AI backends. A nil LLM means none is configured; the engines then run
	// without the reasoning stage and do not report degradation.
	var embedder ai.Embedder = ai.NewLocalEmbedder()
	if cfg.UseSbertEmbed {
		embedder = ai.NewHTTPEmbedder(cfg.EmbeddingURL)
		logger.Info().Str("url", cfg.EmbeddingURL).Msg("using sentence-transformer embeddings")
	}
	var llm ai.LLMClient
	if cfg.LLMURL != "" {
		llm = ai.NewHTTPLLMClient(cfg.LLMURL, cfg.LLMModelName, logger)
		logger.Info().Str("url", cfg.LLMURL).Str("model", cfg.LLMModelName).Msg("llm backend configured")
	}

	// Domain services.
	ids := identity.NewService(identity.NewSQLiteCacheRepo(catalog))

	mappingSvc := mapping.NewService(
		mapping.NewSQLiteJobRepo(catalog),
		mapping.NewEngine(embedder, llm, logger),
		logger,
	)

	matcher := omop.NewMatcher(vocab, embedder, llm, nil, logger)
	omopSvc := omop.NewService(store, ids, vocab, matcher, logger)

	chatSvc := chat.NewService(chat.NewSQLiteRepo(catalog), llm, logger)

	metrics := telemetry.New()
	supervisor = ingestion.NewSupervisor(
		ingestion.NewSQLiteJobRepo(catalog),
		store,
		connectors,
		mappingSvc,
		omopSvc,
		transform.NewRegistry(),
		metrics,
		logger,
	)
	if _, err := supervisor.Rehydrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("rehydrate ingestion jobs")
	}

	// HTTP surface.
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BearerUser(cfg.JWTSecretKey))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": "0.1.0"})
	})
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	mapping.NewHandler(mappingSvc).RegisterRoutes(apiV1)
	omop.NewHandler(omopSvc).RegisterRoutes(apiV1)
	ingestion.NewHandler(supervisor, store).RegisterRoutes(apiV1)
	vocabulary.NewHandler(vocab).RegisterRoutes(apiV1)
	chat.NewHandler(chatSvc).RegisterRoutes(apiV1)

	// Serve until signaled, then drain workers before closing the listener.
	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-stopCtx.Done()
	logger.Info().Msg("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), ingestion.DrainTimeout+5*time.Second)
	defer cancel()
	if err := supervisor.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("ingestion drain incomplete")
	}
	if err := e.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
