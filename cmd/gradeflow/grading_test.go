package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhiquAI/zhiyue3.0-sub004/batch"
	"github.com/ZhiquAI/zhiyue3.0-sub004/errs"
)

func TestGradingClientPostsItem(t *testing.T) {
	var (
		got         gradeRequest
		auth        string
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score": 87.5, "grader": "model-a"}`))
	}))
	defer srv.Close()

	client := newGradingClient(GradingConfig{
		Endpoint:  srv.URL,
		AuthToken: "secret-token",
		Timeout:   5 * time.Second,
	})

	out, err := client.Process(context.Background(), batch.Item{
		ID:      "essay-01",
		Payload: map[string]any{"student": "s-100"},
	})
	require.NoError(t, err)

	assert.Equal(t, "essay-01", got.ItemID)
	assert.Equal(t, "Bearer secret-token", auth)
	assert.Equal(t, "application/json", contentType)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.InEpsilon(t, 87.5, result["score"], 1e-9)
	assert.Equal(t, "model-a", result["grader"])
}

func TestGradingClientClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      errs.Kind
		retryable bool
	}{
		{name: "server error", status: http.StatusServiceUnavailable, kind: errs.KindUnavailable, retryable: true},
		{name: "throttled", status: http.StatusTooManyRequests, kind: errs.KindExhausted, retryable: true},
		{name: "rejected", status: http.StatusBadRequest, kind: errs.KindValidation, retryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: errs.KindPermission, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := newGradingClient(GradingConfig{Endpoint: srv.URL, Timeout: 5 * time.Second})

			_, err := client.Process(context.Background(), batch.Item{ID: "essay-01"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			assert.Equal(t, tt.retryable, errs.Retryable(err))
		})
	}
}

func TestGradingClientKeepsPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("graded"))
	}))
	defer srv.Close()

	client := newGradingClient(GradingConfig{Endpoint: srv.URL, Timeout: 5 * time.Second})

	out, err := client.Process(context.Background(), batch.Item{ID: "essay-01"})
	require.NoError(t, err)
	assert.Equal(t, "graded", out)
}

func TestGradingClientCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newGradingClient(GradingConfig{Endpoint: srv.URL, Timeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Process(ctx, batch.Item{ID: "essay-01"})
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
	assert.False(t, errs.Retryable(err))
}
