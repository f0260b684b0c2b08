package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cadmusapp/cadmus/backend/internal/api"
	"github.com/cadmusapp/cadmus/backend/internal/compaction"
	"github.com/cadmusapp/cadmus/backend/internal/db"
	"github.com/cadmusapp/cadmus/backend/internal/document"
	"github.com/cadmusapp/cadmus/backend/internal/hub"
	"github.com/cadmusapp/cadmus/backend/internal/ws"
)

func main() {
	dbPath := os.Getenv("CADMUS_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/cadmus.db"
	}

	heartbeat := hub.DefaultHeartbeat
	if v := os.Getenv("CADMUS_HEARTBEAT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			log.Fatalf("Invalid CADMUS_HEARTBEAT %q", v)
		}
		heartbeat = time.Duration(secs) * time.Second
	}

	database, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	store := document.NewStore(database)

	h := hub.NewHub(store, document.DefaultID, heartbeat)
	go h.Run()

	compactor := compaction.New(store, compaction.DefaultConfig())
	compactor.Start()

	apiHandler := api.New(store, h, database)

	// WebSocket endpoint, same notifications as the SSE stream
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.Serve(h, w, r)
	})

	http.HandleFunc("/health", apiHandler.HealthHandler)
	http.HandleFunc("/api/stats", apiHandler.StatsHandler)
	http.HandleFunc("/document", apiHandler.DocumentHandler)
	http.HandleFunc("/document/edits", apiHandler.EditsRouter)
	http.HandleFunc("/document/reset", apiHandler.ResetHandler)
	http.HandleFunc("/document/events", apiHandler.EventsHandler)

	// Apply CORS middleware
	handler := corsMiddleware(http.DefaultServeMux)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		compactor.Stop()
		h.Stop()
		database.Close()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Cadmus server starting on :%s", port)
	log.Printf("Database: %s", dbPath)
	log.Println("Endpoints:")
	log.Println("  - Document:  GET /document")
	log.Println("  - Edits:     GET/POST /document/edits")
	log.Println("  - Reset:     POST /document/reset")
	log.Println("  - Events:    GET /document/events (SSE)")
	log.Println("  - WebSocket: /ws?clientId={id}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")

	if err := http.ListenAndServe(":"+port, handler); err != nil {
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
