package database

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niktanya/telegram-book-bot/internal/config"
)

func TestNew_NothingConfigured(t *testing.T) {
	cfg := &config.Config{}
	cfg.Dataset.Driver = "csv"

	db, err := New(cfg, logrus.New())
	require.NoError(t, err)

	assert.Nil(t, db.PG)
	assert.Nil(t, db.Redis)
	assert.Nil(t, db.Querier())
	assert.Empty(t, db.Ping(context.Background()))
	assert.NoError(t, db.Close())
}

func TestNew_BadPostgresURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Dataset.Driver = "postgres"
	cfg.Database.URL = "postgres://%zz"

	_, err := New(cfg, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize PostgreSQL")
}
