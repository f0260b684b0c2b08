package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cadmusapp/cadmus/backend/internal/client"
	"github.com/cadmusapp/cadmus/backend/internal/ot"
)

const debounceDelay = 250 * time.Millisecond

func main() {
	serverURL := os.Getenv("CADMUS_SERVER")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	filePath := os.Getenv("CADMUS_FILE")
	if filePath == "" {
		filePath = "./cadmus.txt"
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Fatalf("Invalid file path %q: %v", filePath, err)
	}

	queuePath := os.Getenv("CADMUS_QUEUE_PATH")
	if queuePath == "" {
		queuePath = "./data/agent-queue.db"
	}

	queue, err := client.OpenQueue(queuePath)
	if err != nil {
		log.Fatalf("Failed to open pending queue: %v", err)
	}
	defer queue.Close()

	rec, err := client.New(client.Config{BaseURL: serverURL}, queue, ot.Transformer{})
	if err != nil {
		log.Fatalf("Failed to create reconciler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rec.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap from %s: %v", serverURL, err)
	}
	log.Printf("Connected to %s as client %s (version %d)", serverURL, rec.ClientID(), rec.Version())

	// lastWritten lets the watcher tell our own file writes apart from the
	// user's edits.
	var writeMu sync.Mutex
	var lastWritten string

	writeFile := func(content string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if content == lastWritten {
			return
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			log.Printf("Failed to write %s: %v", absPath, err)
			return
		}
		lastWritten = content
	}

	// Seed the file with the current document.
	writeFile(rec.LocalContent())

	listener := client.NewListener(serverURL, rec, 0)
	listener.OnUpdate = writeFile
	go listener.Run(ctx)

	syncFile := func() {
		data, err := os.ReadFile(absPath)
		if err != nil {
			log.Printf("Failed to read %s: %v", absPath, err)
			return
		}
		content := string(data)

		writeMu.Lock()
		echo := content == lastWritten
		if !echo {
			lastWritten = content
		}
		writeMu.Unlock()
		if echo {
			return
		}

		if err := rec.SetLocalContent(content); err != nil {
			log.Printf("Failed to queue local change: %v", err)
			return
		}
		if err := rec.Flush(ctx); err != nil {
			log.Printf("Sync failed: %v", err)
			return
		}
		// Submissions may have been rebased; reflect the converged view.
		writeFile(rec.LocalContent())
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("Failed to create file watcher: %v", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		log.Fatalf("Failed to watch %s: %v", filepath.Dir(absPath), err)
	}

	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != absPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, syncFile)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("File watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("Watching %s", absPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down agent...")
	cancel()

	// One last push so queued edits survive in bbolt at worst, on the
	// server at best.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := rec.Flush(flushCtx); err != nil {
		log.Printf("Final flush failed, edits remain queued: %v", err)
	}
}
