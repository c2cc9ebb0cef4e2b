package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucasew/picturecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBudgets(t *testing.T) {
	t.Run("All Lifespans", func(t *testing.T) {
		budgets, err := ParseBudgets("shortterm=100, longterm=2000, eternal=0")
		require.NoError(t, err)
		assert.Equal(t, map[picturecache.LifeSpan]int64{
			picturecache.ShortTerm: 100,
			picturecache.LongTerm:  2000,
			picturecache.Eternal:   0,
		}, budgets)
	})

	t.Run("Partial", func(t *testing.T) {
		budgets, err := ParseBudgets("longterm=5")
		require.NoError(t, err)
		assert.Len(t, budgets, 1)
		assert.EqualValues(t, 5, budgets[picturecache.LongTerm])
	})

	t.Run("Unknown Lifespan", func(t *testing.T) {
		_, err := ParseBudgets("forever=1")
		assert.Error(t, err)
	})

	t.Run("Not An Integer", func(t *testing.T) {
		_, err := ParseBudgets(`shortterm="big"`)
		assert.Error(t, err)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := ParseBudgets("shortterm=,")
		assert.Error(t, err)
	})
}

func TestConfigOptions(t *testing.T) {
	cfg := Config{
		CacheDir: "/tmp/pictures",
		Budgets:  map[picturecache.LifeSpan]int64{picturecache.LongTerm: 42},
	}
	opts := cfg.Options()
	cfg.Budgets[picturecache.LongTerm] = 1

	assert.Equal(t, "/tmp/pictures", opts.Dir)
	assert.EqualValues(t, 42, opts.Budget(picturecache.LongTerm))
	assert.EqualValues(t, 0, opts.Budget(picturecache.ShortTerm))
}

func TestNewServer(t *testing.T) {
	server, cleanup, err := NewServer(t.Context(), Config{Port: 0, CacheDir: t.TempDir()})
	require.NoError(t, err)
	defer cleanup()

	t.Run("Metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		server.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "picturecache_jobs_in_flight"))
	})

	t.Run("Picture Bad Request", func(t *testing.T) {
		w := httptest.NewRecorder()
		server.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/picture", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
