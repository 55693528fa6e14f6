package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openboards/boardsync/internal/opqueue"
	"github.com/openboards/boardsync/internal/syncer"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}

	baseURL := flag.String("base-url", envOrDefault("BOARDSYNC_BASE_URL", "http://127.0.0.1:8080"), "boardsync server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("BOARDSYNC_TOKEN")), "bearer token")
	boardsDir := flag.String("boards-dir", strings.TrimSpace(os.Getenv("BOARDSYNC_BOARDS_DIR")), "directory holding board json files")
	dataDir := flag.String("data-dir", envOrDefault("BOARDSYNC_DATA_DIR", ".boardsync"), "directory for queue, shadow and state files")
	interval := flag.Duration("interval", durationEnv("BOARDSYNC_PULL_INTERVAL", 30*time.Second), "pull interval")
	timeout := flag.Duration("timeout", durationEnv("BOARDSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or BOARDSYNC_TOKEN)")
	}
	if strings.TrimSpace(*boardsDir) == "" {
		log.Fatalf("boards-dir is required (--boards-dir or BOARDSYNC_BOARDS_DIR)")
	}

	queue, err := opqueue.NewFileQueue(filepath.Join(*dataDir, "queue.json"))
	if err != nil {
		log.Fatalf("failed to open operation queue: %v", err)
	}
	defer queue.Close()

	store, err := syncer.NewFileBoardStore(*boardsDir, filepath.Join(*dataDir, "shadow"))
	if err != nil {
		log.Fatalf("failed to open board store: %v", err)
	}

	client := syncer.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	orch, err := syncer.New(syncer.Options{
		Queue:        queue,
		Client:       client,
		Store:        store,
		State:        syncer.NewRevisionState(filepath.Join(*dataDir, "state.json")),
		PullInterval: *interval,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync orchestrator: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		boards, err := store.Boards()
		if err != nil {
			log.Fatalf("failed to list boards: %v", err)
		}
		for _, boardID := range boards {
			if err := orch.EnqueueLocalChanges(boardID); err != nil {
				log.Printf("enqueue changes for %s: %v", boardID, err)
			}
		}
		orch.SyncAll(rootCtx)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-rootCtx.Done():
				return
			case note := <-orch.Notifications():
				logNotification(note)
			}
		}
	}()

	watcher := syncer.NewWatcher(store, orch, 0, log.Default())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("watcher stopped: %v", err)
		}
	}()

	log.Printf("boardsync agent watching %s", *boardsDir)
	if err := orch.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("orchestrator stopped: %v", err)
	}
	stop()
	wg.Wait()
}

func logNotification(note syncer.Notification) {
	switch note.Kind {
	case syncer.NoteEnqueued:
		log.Printf("queued %d ops for %s (entry %d)", note.OpCount, note.BoardID, note.EntryID)
	case syncer.NotePushed:
		log.Printf("pushed entry %d for %s, server revision %d", note.EntryID, note.BoardID, note.Revision)
	case syncer.NotePushFailed:
		log.Printf("push failed for %s (entry %d): %s", note.BoardID, note.EntryID, note.Error)
	case syncer.NotePulled:
		log.Printf("pulled %d ops for %s, server revision %d", note.OpCount, note.BoardID, note.Revision)
	case syncer.NotePullFailed:
		log.Printf("pull failed for %s: %s", note.BoardID, note.Error)
	case syncer.NoteOnline:
		log.Printf("connectivity restored")
	case syncer.NoteOffline:
		log.Printf("connectivity lost")
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
