package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/auth"
	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/party"
	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/ratelimit"
	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/session"
	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/spotify"
)

func main() {
	ctx := context.Background()

	port := getenv("PORT", "5000")
	clientURL := getenv("CLIENT_URL", "http://localhost:3000")
	redisURL := getenv("REDIS_URL", "redis://localhost:6379")
	redirectURI := getenv("SPOTIFY_REDIRECT_URI", "http://localhost:"+port+"/auth/callback")
	secureCookies := getenv("COOKIE_SECURE", "") == "true"

	clientID := getenv("SPOTIFY_CLIENT_ID", "")
	clientSecret := getenv("SPOTIFY_CLIENT_SECRET", "")
	if clientID == "" || clientSecret == "" {
		log.Fatal("spotify-connect: SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET are required")
	}

	cookieSecret := []byte(getenv("SESSION_JWT_SECRET", ""))
	if len(cookieSecret) == 0 {
		log.Fatal("spotify-connect: SESSION_JWT_SECRET is required")
	}

	sessionMaxAge := mustParseDuration("SESSION_MAX_AGE", "24h")
	sweepInterval := mustParseDuration("SESSION_SWEEP_INTERVAL", "2m")

	// Redis
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("spotify-connect: invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// Sessions
	sessions := session.NewStore()
	sessions.StartSweeper(ctx, sweepInterval, sessionMaxAge)

	// Spotify adapter + shared breaker
	sp := spotify.NewClient(clientID, clientSecret)
	limiter := ratelimit.NewLimiter()

	// Realtime hub + redis bridge
	hub := party.NewHub(sessions, sp, limiter)
	partySrv := party.NewServer(hub, rdb, cookieSecret, clientURL)
	go hub.Run(ctx)
	go partySrv.RunRedisSubscriber(ctx)

	authSrv := auth.NewServer(sp, sessions, cookieSecret, clientURL, redirectURI, secureCookies)
	apiSrv := spotify.NewServer(sp, sessions, limiter, rdb, cookieSecret)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Mount("/auth", authSrv.Router())
	r.Mount("/api/spotify", apiSrv.Router())
	r.Mount("/", partySrv.Router())

	log.Printf("spotify-connect listening on :%s", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatalf("spotify-connect: %v", err)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustParseDuration(k, def string) time.Duration {
	v := getenv(k, def)
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("spotify-connect: invalid %s: %v", k, err)
	}
	return d
}
