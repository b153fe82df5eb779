package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"bb-go/internal/awsconf"
	"bb-go/internal/config"
)

const sqliteFileName = "bb.db"

// NewStoreFromConfig creates a Store implementation based on the storage
// config type.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Type {
	case "sqlite", "":
		if cfg.Storage.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite storage")
		}
		return openSQLite(cfg)
	case "memory":
		return NewSQLiteStore(":memory:")
	case "dynamodb":
		awsCfg, err := awsconf.Load(ctx, cfg.AWS)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		maxRetry := time.Duration(cfg.AWS.MaxRetrySeconds) * time.Second
		return NewDynamoStore(client, cfg.AWS.ReposTable, cfg.AWS.ArchivesTable, cfg.AWS.S3StatsTable, maxRetry), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}
}

// openSQLite opens the local database, importing legacy JSON data exactly
// once: only when the database file did not exist before this call.
func openSQLite(cfg *config.Config) (*SQLiteStore, error) {
	dbPath := filepath.Join(cfg.Storage.DataDir, sqliteFileName)
	_, statErr := os.Stat(dbPath)
	fresh := os.IsNotExist(statErr)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	if fresh && HasLegacyData(cfg.BaseDir) {
		if _, err := store.ImportLegacy(cfg.BaseDir); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}
