package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"livequiz-service/internal/app"
	"livequiz-service/internal/config"
	"livequiz-service/internal/domain"
	"livequiz-service/internal/infra/memory"
	pginfra "livequiz-service/internal/infra/postgres"
	redisinfra "livequiz-service/internal/infra/redis"
	transport "livequiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pginfra.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var sessions app.SessionStore
	var responses app.ResponseStore
	if redisClient != nil {
		sessionTTL := config.TTLDuration(cfg.Redis.TTL, 24*time.Hour)
		store := redisinfra.NewStore(redisClient, sessionTTL)
		sessions, responses = store, store
	} else {
		store := memory.NewStore()
		sessions, responses = store, store
	}

	var archiver app.Archiver
	if pool != nil {
		archiver = pginfra.NewArchiver(pool)
	}

	coordCfg := app.CoordinatorConfig{
		Grace:          config.TTLDuration(cfg.Session.Grace, 0),
		LeaseTTL:       config.TTLDuration(cfg.Session.LeaseTTL, 0),
		AdvanceRetries: cfg.Session.AdvanceRetries,
	}.Overlay()

	watchdogInterval := config.TTLDuration(cfg.Session.WatchdogInterval, 5*time.Second)
	watchdog := app.NewWatchdog(sessions, watchdogInterval, coordCfg.Grace, nil)

	hostHandler := transport.NewHostHandler(sessions, responses, quizRepo, archiver, coordCfg, func(sessionID string) {
		watchdog.Ensure(ctx, sessionID)
	})
	playHandler := transport.NewPlayHandler(sessions, responses, quizRepo, app.DefaultScorePolicy())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws/host", hostHandler.ServeWS)
	mux.HandleFunc("/ws/play", playHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting livequiz service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes provides demo content for redis/postgres-less runs; real
// deployments load quizzes from Postgres.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					ID:               "q1",
					Prompt:           "What is 2 + 2?",
					Kind:             domain.QuestionMultipleChoice,
					Options:          []string{"3", "4", "5"},
					CorrectOption:    1,
					TimeLimitSeconds: 20,
				},
				{
					ID:               "q2",
					Prompt:           "The capital of France is Paris.",
					Kind:             domain.QuestionTrueFalse,
					CorrectOption:    0,
					TimeLimitSeconds: 10,
				},
				{
					ID:               "q3",
					Prompt:           "Name the Go keyword that starts a goroutine.",
					Kind:             domain.QuestionFreeText,
					Answer:           "go",
					TimeLimitSeconds: 15,
				},
			},
		},
	}
}
