package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/avasiliev/ticketgate/internal/bot"
	"github.com/avasiliev/ticketgate/internal/db"
	"github.com/avasiliev/ticketgate/internal/db/postgres"
	"github.com/avasiliev/ticketgate/internal/db/sqlite"
	"github.com/avasiliev/ticketgate/internal/envsetup"
	"github.com/avasiliev/ticketgate/internal/files"
	"github.com/avasiliev/ticketgate/internal/gate"
	"github.com/avasiliev/ticketgate/internal/health"
	"github.com/avasiliev/ticketgate/internal/logger"
	"github.com/avasiliev/ticketgate/internal/moderation"
	"github.com/avasiliev/ticketgate/internal/sched"
	"github.com/avasiliev/ticketgate/internal/throttle"
	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := mainE(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func mainE() error {
	if envsetup.NeedsSetup() && os.Getenv("DISCORD_TOKEN") == "" {
		done, err := envsetup.Run()
		if err != nil {
			return fmt.Errorf("running setup wizard: %w", err)
		}
		if !done {
			return errors.New("setup cancelled")
		}
	}
	_ = godotenv.Load()

	fs := ff.NewFlagSet("ticketgate")
	var (
		discordToken    = fs.StringLong("discord-token", "", "Discord bot token")
		databaseURL     = fs.StringLong("database-url", "./ticketgate.db", "Database URL (sqlite path or postgres:// URL)")
		adminIDsFlag    = fs.StringLong("admin-ids", "", "Comma-separated admin user ids")
		guildID         = fs.StringLong("guild-id", "", "Guild for command registration (empty = global)")
		storageDir      = fs.StringLong("storage-dir", "./storage", "Directory for uploaded files")
		backupDir       = fs.StringLong("backup-dir", "", "Optional mirror directory for uploaded files")
		schedulerKind   = fs.StringEnumLong("scheduler", "Daily job scheduler implementation", "cron", "loop")
		filesPruneAt    = fs.StringLong("files-prune-at", "03:00", "Daily file pruning time (HH:MM)")
		activityPruneAt = fs.StringLong("activity-prune-at", "04:00", "Daily activity pruning time (HH:MM)")
		fileRetention   = fs.DurationLong("file-retention", files.DefaultRetention, "How long uploaded files are kept")
		healthPort      = fs.IntLong("health-port", 8080, "Health server port")
		metricsPort     = fs.IntLong("metrics-port", 9090, "Prometheus metrics port")
	)

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVars()); err != nil {
		fmt.Printf("%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("parsing flags: %w", err)
	}

	if *discordToken == "" {
		return errors.New("discord-token is required")
	}
	adminIDs, err := parseAdminIDs(*adminIDsFlag)
	if err != nil {
		return err
	}
	if len(adminIDs) == 0 {
		return errors.New("admin-ids is required")
	}

	filesAt, err := sched.ParseTimeOfDay(*filesPruneAt)
	if err != nil {
		return err
	}
	activityAt, err := sched.ParseTimeOfDay(*activityPruneAt)
	if err != nil {
		return err
	}

	log := logger.New()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	repo, err := openRepository(ctx, *databaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer repo.Close()
	log.InfoContext(ctx, "connected to database", "url", *databaseURL)

	dg, err := discordgo.New("Bot " + *discordToken)
	if err != nil {
		return fmt.Errorf("creating Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	session := bot.NewSession(dg)
	sender := bot.NewSender(session)

	limiter := throttle.New(repo, log)
	dir := moderation.New(repo, adminIDs, sender, log)
	g := gate.New(dir, limiter, log)
	store := files.NewStore(repo, log, *storageDir, *backupDir)
	cleaner := files.NewCleaner(repo, log)

	b := bot.New(log, session, repo, dir, limiter, g, sender, store, bot.Config{
		GuildID: *guildID,
	})

	var scheduler sched.Scheduler
	if *schedulerKind == "cron" {
		scheduler = sched.NewCron(log)
	} else {
		scheduler = sched.NewLoop(log)
	}
	if err := scheduler.Daily("file_pruning", filesAt, func(jobCtx context.Context) {
		if _, err := cleaner.DeleteOlderThan(jobCtx, *fileRetention); err != nil {
			log.Error("file pruning job", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := scheduler.Daily("activity_pruning", activityAt, func(jobCtx context.Context) {
		if _, err := limiter.PruneOlderThan(jobCtx, throttle.DefaultRetention); err != nil {
			log.Error("activity pruning job", "error", err)
		}
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	healthServer := health.New(*healthPort)
	go func() {
		if err := healthServer.Start(); err != nil {
			log.Error("health server", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Shutdown(shutdownCtx)
	}()

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", *metricsPort), Handler: metricsMux}
		log.InfoContext(ctx, "starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorContext(ctx, "metrics server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", "signal", sig)
		cancel(errors.New("signal received"))
	}()

	log.InfoContext(ctx, "spam protection active", "threshold", throttle.DefaultThreshold, "window", throttle.DefaultWindow)
	log.InfoContext(ctx, "daily file pruning scheduled", "at", filesAt)
	log.InfoContext(ctx, "daily activity pruning scheduled", "at", activityAt)

	return b.Run(ctx)
}

func parseAdminIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid admin id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func openRepository(ctx context.Context, databaseURL string) (db.Repository, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return postgres.New(ctx, databaseURL)
	}
	return sqlite.New(ctx, databaseURL)
}
