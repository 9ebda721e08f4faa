package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(overrides map[string]interface{}) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := fromViper(newTestViper(nil))
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, StorageDriverPostgres, cfg.StorageDriver)
	assert.Equal(t, 15*time.Minute, cfg.JWT.Expiration)
	assert.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshExpiration)
	assert.Equal(t, cfg.JWT.Secret, cfg.JWT.RefreshHashKey)
	assert.Equal(t, time.Hour, cfg.Janitor.Interval)
}

func TestEmptySecretPreventsStartup(t *testing.T) {
	_, err := fromViper(newTestViper(map[string]interface{}{"JWT_SECRET": "  "}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJWTSecretMissing))
}

func TestProductionRejectsDevelopmentSecret(t *testing.T) {
	_, err := fromViper(newTestViper(map[string]interface{}{"ENV": EnvProduction}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJWTSecretMissing))

	cfg, err := fromViper(newTestViper(map[string]interface{}{"ENV": EnvProduction, "JWT_SECRET": "s3cr3t"}))
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", cfg.JWT.Secret)
}

func TestUnknownStorageDriver(t *testing.T) {
	_, err := fromViper(newTestViper(map[string]interface{}{"STORAGE_DRIVER": "mongo"}))
	assert.Error(t, err)
}

func TestSeparateRefreshHashKey(t *testing.T) {
	cfg, err := fromViper(newTestViper(map[string]interface{}{"REFRESH_TOKEN_HASH_KEY": "pepper"}))
	require.NoError(t, err)
	assert.Equal(t, "pepper", cfg.JWT.RefreshHashKey)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, splitAndTrim(" http://a , ,http://b"))
	assert.Nil(t, splitAndTrim(""))
}
