package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WalkingStatue/multi-rag-bot-sub002/pkg/embedding/cache"
)

// The defaults must produce a configuration the cache layer accepts,
// otherwise the binary dies at startup.
func TestDefaultsSatisfyCacheConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setDefaults()

	config, err := cache.LoadConfigFromViper()
	require.NoError(t, err)
	assert.Equal(t, cache.NormalizationWhitespaceLowercase, config.Normalization)
	assert.Equal(t, 10000, config.MaxEntries)
	assert.Equal(t, 7*24*time.Hour, config.TTL)
}

func TestDefaultsSatisfyDedupPolicy(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setDefaults()

	policy := dedupPolicyFromConfig()
	require.NoError(t, policy.Validate())
	assert.True(t, policy.Enabled)
	assert.InDelta(t, 0.95, policy.Thresholds.High, 0.001)
}
