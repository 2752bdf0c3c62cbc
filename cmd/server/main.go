package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"driftboard/internal/api"
	"driftboard/internal/retention"
	"driftboard/internal/store"
	"driftboard/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	dbPath := os.Getenv("DRIFTBOARD_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/driftboard.db"
	}

	db, err := store.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	hub := ws.NewHub(db)
	go hub.Run()

	janitor := retention.New(hub, db, retention.DefaultConfig())
	janitor.Start()

	apiHandler := api.New(hub, db)
	router := apiHandler.Router()

	// WebSocket endpoint
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "4143"
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Printf("🎨 Driftboard server starting on :%s", port)
		log.Printf("📁 Store: %s", dbPath)
		log.Println("Endpoints:")
		log.Println("  - WebSocket: /ws")
		log.Println("  - Health:    GET /health")
		log.Println("  - Stats:     GET /api/stats")
		log.Println("  - Sessions:  GET /api/sessions")
		log.Println("  - Versions:  GET /api/versions?doc_id=X")
		log.Println("  - Version:   GET/DELETE /api/versions/{id}")

		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("ListenAndServe: ", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	janitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
