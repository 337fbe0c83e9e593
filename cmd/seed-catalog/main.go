// Package main seeds the storefront catalog into the hosted backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/jiggy606/amazon-clone/internal/backend"
)

type seedAsset struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Price    string            `json:"price"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func main() {
	var (
		catalogPath = flag.String("catalog", "./config/catalog.json", "Path to catalog seed file")
		envFile     = flag.String("env", ".env", "Path to .env with BACKEND_URL and BACKEND_API_KEY")
	)
	flag.Parse()

	ctx := context.Background()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("load env (%s): %v (continuing with process env)", *envFile, err)
	}

	backendURL := os.Getenv("BACKEND_URL")
	apiKey := os.Getenv("BACKEND_API_KEY")
	if backendURL == "" || apiKey == "" {
		log.Fatal("BACKEND_URL and BACKEND_API_KEY are required")
	}

	raw, err := os.ReadFile(filepath.Clean(*catalogPath))
	if err != nil {
		log.Fatalf("read catalog: %v", err)
	}
	var assets []seedAsset
	if err := json.Unmarshal(raw, &assets); err != nil {
		log.Fatalf("parse catalog: %v", err)
	}
	if len(assets) == 0 {
		log.Fatal("catalog seed file is empty")
	}

	client, err := backend.New(backend.Config{URL: backendURL, APIKey: apiKey})
	if err != nil {
		log.Fatalf("backend client: %v", err)
	}

	for _, asset := range assets {
		if asset.ID == "" || asset.Name == "" || asset.Price == "" {
			log.Fatalf("asset %+v is missing id, name or price", asset)
		}
		// Upsert on id so reseeding is safe.
		if err := client.From("assets").OnConflict("id").Insert(ctx, asset); err != nil {
			log.Fatalf("seed asset %s: %v", asset.ID, err)
		}
		log.Printf("seeded %s (%s)", asset.ID, asset.Name)
	}
	log.Printf("seeded %d assets", len(assets))
}
