package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/wave"
)

// httpEngine calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
type httpEngine struct {
	url      string
	model    string
	language string
	client   *http.Client
}

type httpResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

func NewHTTP(cfg config.EngineConfig) (Engine, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("engine endpoint is empty")
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return &httpEngine{
		url:      cfg.Endpoint,
		model:    cfg.Model,
		language: cfg.Language,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (h *httpEngine) Transcribe(ctx context.Context, buf wave.SampleBuffer) (string, error) {
	path, err := writeTempWave(buf)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}
	if h.model != "" {
		w.WriteField("model", h.model)
	}
	lang := h.language
	if lang == "" {
		lang = "en"
	}
	w.WriteField("language", lang)
	w.WriteField("response_format", "json")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result httpResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func (h *httpEngine) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
