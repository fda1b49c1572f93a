package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewStore selects the storage engine from the url scheme:
// mongodb:// and mongodb+srv:// use MongoDB, sqlite:// a sqlite file, memory:// the in-process store,
// anything else is treated as a Postgres DSN.
func NewStore(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	url := cfg.URL
	switch {
	case strings.HasPrefix(url, "mongodb://"), strings.HasPrefix(url, "mongodb+srv://"):
		client, database, err := NewMongoClient(ctx, url, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return NewMongoAdapter(ctx, client, database)
	case strings.HasPrefix(url, "memory://"):
		log.Warn().Msg("[DatabaseAdapter] [NewStore] using in-memory store, state is lost on restart")
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite://"):
		client, err := NewSqliteClient(strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return NewGormAdapter(client)
	default:
		client, err := NewPostgresClient(url)
		if err != nil {
			return nil, err
		}
		return NewGormAdapter(client)
	}
}

func NewPostgresClient(dsn string) (*gorm.DB, error) {
	client, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	log.Info().Msg("[DatabaseAdapter] connected to Postgres")
	return client, nil
}

func NewSqliteClient(path string) (*gorm.DB, error) {
	client, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// sqlite allows a single writer
	sqlDB, err := client.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return client, nil
}

func NewMongoClient(ctx context.Context, uri string, databaseName string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Create client options
	clientOptions := options.Client().ApplyURI(uri)

	// Connect to MongoDB
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Info().Msg("Connected to MongoDB")

	return client, client.Database(databaseName), nil
}
