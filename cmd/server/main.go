package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/syncpadhq/syncpad/backend/internal/api"
	"github.com/syncpadhq/syncpad/backend/internal/cache"
	"github.com/syncpadhq/syncpad/backend/internal/config"
	"github.com/syncpadhq/syncpad/backend/internal/db"
	"github.com/syncpadhq/syncpad/backend/internal/judge"
	"github.com/syncpadhq/syncpad/backend/internal/retention"
	"github.com/syncpadhq/syncpad/backend/internal/roster"
	"github.com/syncpadhq/syncpad/backend/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("SYNCPAD_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	roomCache := cache.New(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer roomCache.Close()

	executor := judge.NewClient(cfg.Judge0.URL, cfg.Judge0.APIKey, cfg.Judge0.APIHost)

	hub := ws.NewHub()
	gateway := ws.NewGateway(hub, database, roomCache, roster.New(), executor)

	retainer := retention.New(database, retention.DefaultConfig())
	retainer.Start()

	apiHandler := api.New(hub, database, roomCache)

	// WebSocket endpoint
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(gateway, w, r)
	})

	http.HandleFunc("/health", apiHandler.HealthHandler)
	http.HandleFunc("/api/stats", apiHandler.StatsHandler)
	http.HandleFunc("/api/rooms", apiHandler.RoomsRouter)
	http.HandleFunc("/api/rooms/", apiHandler.RoomsRouter)

	// Apply CORS middleware
	handler := corsMiddleware(http.DefaultServeMux)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		retainer.Stop()
		database.Close()
		roomCache.Close()
		os.Exit(0)
	}()

	log.Printf("⚡ Syncpad server starting on :%s", cfg.Port)
	log.Printf("📁 Database: %s", cfg.DBPath)
	log.Printf("🗄️ Redis: %s", cfg.Redis.Addr)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Rooms:     GET/POST /api/rooms")
	log.Println("  - Room:      GET/DELETE /api/rooms/{id}")
	log.Println("  - Saves:     GET /api/rooms/{id}/saves")

	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
