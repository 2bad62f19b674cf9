package recommender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sazuyakun/Project-Aegis/internal/queue"
)

func TestOptimalPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/findOptimalPool", r.URL.Path)

		var req struct {
			UserGeoLocation queue.GeoLocation `json:"userGeoLocation"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.InDelta(t, 12.97, req.UserGeoLocation.Latitude, 1e-9)

		_ = json.NewEncoder(w).Encode(map[string]string{"optimalPoolId": "0xPool1"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	pool, err := c.OptimalPool(context.Background(), queue.GeoLocation{Latitude: 12.97, Longitude: 77.59})
	require.NoError(t, err)
	assert.Equal(t, "0xPool1", pool)
}

func TestOptimalPoolEmptyRecommendation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no pools in region"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	pool, err := c.OptimalPool(context.Background(), queue.GeoLocation{})
	require.NoError(t, err)
	assert.Empty(t, pool)
}

func TestOptimalPoolServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.OptimalPool(context.Background(), queue.GeoLocation{})
	assert.Error(t, err)
}

func TestOptimalPoolRetriesServerError(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"optimalPoolId": "0xPool2"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	pool, err := c.OptimalPool(context.Background(), queue.GeoLocation{})
	require.NoError(t, err)
	assert.Equal(t, "0xPool2", pool)
	assert.Equal(t, 2, hits)
}

func TestOptimalPoolDoesNotRetryClientError(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.OptimalPool(context.Background(), queue.GeoLocation{})
	require.Error(t, err)
	assert.Equal(t, 1, hits)
}

func TestOptimalPoolTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 20*time.Millisecond)
	_, err := c.OptimalPool(context.Background(), queue.GeoLocation{})
	assert.Error(t, err)
}
