package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/perceptlab/studybot/internal/api"
	"github.com/perceptlab/studybot/internal/catalog"
	"github.com/perceptlab/studybot/internal/db"
	"github.com/perceptlab/studybot/internal/middleware"
	"github.com/perceptlab/studybot/internal/services"
	"github.com/perceptlab/studybot/internal/utils"
)

func main() {
	addr := utils.SafeEnv("STUDY_ADDR", ":8080")
	dbPath := utils.SafeEnv("STUDY_DB_PATH", "data/study.db")
	formURL := utils.SafeEnv("STUDY_FORM_URL", "https://example.com/follow-up-survey")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_busy_timeout=5000", filepath.ToSlash(dbPath))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	if err := db.RunMigrations(sqlDB, os.Getenv("STUDY_MIGRATIONS_DIR")); err != nil {
		log.Fatalf("run migrations: %v", err)
	}
	store, err := db.NewSQLiteStore(sqlDB)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	// An incomplete catalog is a configuration error: refuse to start rather
	// than fail per participant at assignment time.
	cat, err := catalog.Load(os.Getenv("STUDY_CATALOG_PATH"))
	if err != nil {
		log.Fatalf("load media catalog: %v", err)
	}

	sequences := services.NewSequenceService(store, cat)
	controller := services.NewInteractionService(store, sequences, cat, formURL)
	exports := services.NewExportService(store)
	auth := services.NewAuthService(store, middleware.SignToken)

	mux := http.NewServeMux()
	api.NewRouter(controller, exports, auth).Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "name": "Study API"})
	})

	log.Printf("study server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
