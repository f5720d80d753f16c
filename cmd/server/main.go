package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/nkwon/metrotales/internal/api"
	"github.com/nkwon/metrotales/internal/config"
	"github.com/nkwon/metrotales/internal/database"
	"github.com/nkwon/metrotales/internal/gateway"
	"github.com/nkwon/metrotales/internal/ratelimit"
	"github.com/nkwon/metrotales/internal/room"
	"github.com/nkwon/metrotales/internal/stats"
	"github.com/nkwon/metrotales/internal/story"
	"github.com/nkwon/metrotales/internal/vote"
)

const defaultSigningKey = "5kQ4QYJPLANYxC9pUGnyxGpYc8/N2T1aW00dLH2gq3o="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[metro-tales] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Println("redis close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	limiter := ratelimit.NewLimiter(redisClient, "chat:cooldown:", cfg.ChatCooldown)

	storyClient := story.NewHTTPClient(cfg.StoryServiceURL, cfg.StoryServiceToken, cfg.StoryTimeout)
	// The claim must outlive the request it guards, so its TTL pads the
	// generation timeout.
	storyClaim := story.NewClaim(redisClient, "story:claim:", cfg.StoryTimeout+30*time.Second)
	orchestrator := story.NewOrchestrator(logger, dbConn, storyClient, storyClaim, cfg.StoryTimeout)

	votes := vote.NewCoordinator(logger, dbConn)
	rooms := room.NewService(logger, dbConn)

	gw, err := gateway.NewGateway(logger, dbConn, limiter, votes, orchestrator, statsUpdater)
	if err != nil {
		logger.Fatal("new gateway:", err)
	}

	sweeper := vote.NewSweeper(logger, votes, gw, cfg.VoteSweepInterval)

	srv := api.NewApp(mux, logger, gw, rooms, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go gw.Run()
	go sweeper.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	sweeper.Stop()

	logger.Println("shutting down gateway...")
	if err := gw.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("gateway shutdown:", err)
	}

	logger.Println("shutdown complete")
}
