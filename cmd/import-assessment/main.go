package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/database"
	"github.com/stemsi/exstem-assessment/internal/logger"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/repository"
)

// Imports assessment definition JSON files into PostgreSQL. Definitions are
// immutable once imported: changing one means importing it under a new id.
func main() {
	var dir string
	flag.StringVar(&dir, "dir", "", "Import every *.json file in this directory")
	flag.Parse()

	files := flag.Args()
	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		fmt.Println("Usage: import-assessment [-dir <path>] [file.json ...]")
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	repo := repository.NewAssessmentRepository(pool)

	fmt.Printf("=== Importing %d assessment(s) ===\n", len(files))

	var imported, failed int
	for _, f := range files {
		def, err := readDefinition(f)
		if err == nil {
			err = repo.Import(ctx, def)
		}
		if err != nil {
			failed++
			log.Error().Err(err).Str("file", f).Msg("Import failed")
			continue
		}
		imported++
		fmt.Printf("  ✓ %s (%s, %d questions)\n", def.ID, def.Title, len(def.Questions))
	}

	fmt.Printf("\nDone. Imported: %d, Failed: %d\n", imported, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func readDefinition(path string) (*model.AssessmentDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def model.AssessmentDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &def, nil
}
