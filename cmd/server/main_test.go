package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stockroom/backend/internal/config"
	"stockroom/backend/internal/store/memory"
	"stockroom/backend/internal/store/sqlstore"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
	err = validateSecurityConfig(config.Config{
		AuthSecret:    "0123456789abcdef0123456789abcdef",
		Environment:   "production",
		AllowedOrigin: "*",
	})
	if err == nil {
		t.Fatalf("expected wildcard origin to be rejected in production")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "https://shop.example"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestOpenRepositoryWithoutDatabaseUsesMemory(t *testing.T) {
	repo, closeFn, err := openRepository(context.Background(), config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, closeFn)
	assert.IsType(t, &memory.Store{}, repo)

	customers, err := repo.ListCustomers(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, customers)
}

func TestOpenRepositoryMigratesSQLite(t *testing.T) {
	cfg := config.Config{
		DatabaseDriver: "sqlite3",
		DatabaseURL:    "file:" + filepath.Join(t.TempDir(), "stockroom.db"),
	}
	repo, closeFn, err := openRepository(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, closeFn)
	defer func() { _ = closeFn() }()
	assert.IsType(t, &sqlstore.Store{}, repo)

	categories, err := repo.ListCategories(context.Background())
	require.NoError(t, err)
	assert.Empty(t, categories)
}

func TestOpenRepositoryRejectsUnknownDriver(t *testing.T) {
	_, _, err := openRepository(context.Background(), config.Config{DatabaseDriver: "oracle", DatabaseURL: "x"}, zap.NewNop())
	require.Error(t, err)
}
