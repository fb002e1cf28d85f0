package runware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	var (
		req  *http.Request
		sent []map[string]any
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req = r
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &sent)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[{"taskType":"imageInference","taskUUID":"t-1","imageUUID":"i-1","imageURL":"https://im.runware.ai/image/i-1.webp","positivePrompt":"calm, high quality","seed":4242,"NSFWContent":false}]}`)
	}))
	defer ts.Close()

	client := NewClient(ClientOpts{Endpoint: ts.URL, APIKey: "secret"})
	client.newTaskID = func() string { return "t-1" }
	assert.True(t, client.Enabled())

	img, err := client.Generate(context.Background(), GenerateParams{PositivePrompt: "calm, high quality"})
	require.NoError(t, err)
	assert.Equal(t, "https://im.runware.ai/image/i-1.webp", img.ImageURL)
	assert.Equal(t, int64(4242), img.Seed)

	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
	require.Len(t, sent, 1)
	assert.Equal(t, "imageInference", sent[0]["taskType"])
	assert.Equal(t, "t-1", sent[0]["taskUUID"])
	assert.Equal(t, DefaultModel, sent[0]["model"])
	assert.Equal(t, float64(1024), sent[0]["width"])
	assert.Equal(t, "WEBP", sent[0]["outputFormat"])
	assert.Equal(t, float64(4), sent[0]["steps"])
	assert.Equal(t, DefaultScheduler, sent[0]["scheduler"])
	assert.Equal(t, 0.8, sent[0]["strength"])
	_, hasSeed := sent[0]["seed"]
	assert.False(t, hasSeed)
}

func TestGenerateOverrides(t *testing.T) {
	var sent []map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &sent)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[{"taskType":"imageInference","imageURL":"u","seed":9}]}`)
	}))
	defer ts.Close()

	client := NewClient(ClientOpts{Endpoint: ts.URL, Model: "runware:101@1"})
	assert.False(t, client.Enabled())
	_, err := client.Generate(context.Background(), GenerateParams{PositivePrompt: "p", Seed: 9, Strength: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "runware:101@1", sent[0]["model"])
	assert.Equal(t, float64(9), sent[0]["seed"])
	assert.Equal(t, 0.5, sent[0]["strength"])
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"http error with message", http.StatusBadRequest, `{"errorMessage":"Invalid API key"}`, "runware: Invalid API key"},
		{"errors array", http.StatusOK, `{"errors":[{"message":"Insufficient credits"}]}`, "runware: Insufficient credits"},
		{"http error without body", http.StatusBadGateway, `{}`, "runware: Failed to generate image. (status: 502)"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer ts.Close()

			_, err := NewClient(ClientOpts{Endpoint: ts.URL}).Generate(context.Background(), GenerateParams{PositivePrompt: "p"})
			assert.EqualError(t, err, tc.want)
		})
	}
}

func TestGenerateNoImage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":[{"taskType":"imageUpload"}]}`)
	}))
	defer ts.Close()

	_, err := NewClient(ClientOpts{Endpoint: ts.URL}).Generate(context.Background(), GenerateParams{PositivePrompt: "p"})
	assert.ErrorIs(t, err, ErrNoImage)
}

func TestGenerateRequiresPrompt(t *testing.T) {
	_, err := NewClient(ClientOpts{}).Generate(context.Background(), GenerateParams{})
	assert.Error(t, err)
}
