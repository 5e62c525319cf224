// Package genapi talks to the generative-content service that produces
// narration audio and background videos for clips.
package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrGeneration is the service's "generation_error".
	ErrGeneration = errors.New("generation_error")
	// ErrTimeout means the video did not finish in time.
	ErrTimeout = errors.New("timeout")
)

// maxNarrationBytes bounds a narration download.
const maxNarrationBytes = 64 << 20

// Client calls the generation service REST API.
type Client struct {
	apiURL       string
	apiKey       string
	videoTimeout time.Duration
	pollInterval time.Duration
	http         *http.Client
}

// NewClient creates a client. videoTimeout bounds a whole background video
// generation including polling.
func NewClient(apiURL, apiKey string, videoTimeout time.Duration) *Client {
	return &Client{
		apiURL:       strings.TrimRight(apiURL, "/"),
		apiKey:       apiKey,
		videoTimeout: videoTimeout,
		pollInterval: 3 * time.Second,
		http:         &http.Client{Timeout: 60 * time.Second},
	}
}

type apiError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type submitResp struct {
	Data struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type queryResp struct {
	Data []taskResult `json:"data"`
	Code int          `json:"code"`
}

type taskResult struct {
	TaskID string `json:"task_id"`
	Status int    `json:"status"` // 0=running, 1=success, 2=failed
	Result string `json:"result"` // video locator on success, reason on failure
}

// WaitForHealthy blocks until the service responds to health checks.
func (c *Client) WaitForHealthy(ctx context.Context, interval time.Duration) error {
	log.Println("Waiting for generation API to be ready...")
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Println("Generation API is healthy")
				return nil
			}
		}

		log.Printf("Generation API not ready, retrying in %s...", interval)
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.http.Do(req)
}

// SynthesizeNarration turns a script into encoded speech audio.
func (c *Client) SynthesizeNarration(ctx context.Context, script string) ([]byte, error) {
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("%w: empty script", ErrGeneration)
	}
	resp, err := c.post(ctx, "/v1/narration", map[string]string{"text": script})
	if err != nil {
		return nil, fmt.Errorf("request narration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: narration: %s", ErrGeneration, readAPIError(resp))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxNarrationBytes))
	if err != nil {
		return nil, fmt.Errorf("read narration: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: narration response is empty", ErrGeneration)
	}
	log.Printf("Narration synthesized: %d bytes (%s)", len(data), resp.Header.Get("Content-Type"))
	return data, nil
}

// SynthesizeBackgroundVideo submits a video task and waits for its locator.
func (c *Client) SynthesizeBackgroundVideo(ctx context.Context, prompt string) (string, error) {
	if c.videoTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.videoTimeout)
		defer cancel()
	}

	taskID, err := c.SubmitVideo(ctx, prompt)
	if err != nil {
		return "", err
	}
	log.Printf("Video task %s submitted", taskID)

	loc, err := c.PollUntilDone(ctx, taskID, c.pollInterval)
	if errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: video task %s", ErrTimeout, taskID)
	}
	return loc, err
}

// SubmitVideo starts a background video task and returns its ID.
func (c *Client) SubmitVideo(ctx context.Context, prompt string) (string, error) {
	resp, err := c.post(ctx, "/v1/video/submit", map[string]string{"prompt": prompt})
	if err != nil {
		return "", fmt.Errorf("submit video task: %w", err)
	}
	defer resp.Body.Close()

	var result submitResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Code != 200 || result.Data.TaskID == "" {
		return "", fmt.Errorf("%w: API error (code %d): %s", ErrGeneration, result.Code, result.Error)
	}
	return result.Data.TaskID, nil
}

// PollUntilDone polls a video task until it finishes and returns an
// absolute locator for the result.
func (c *Client) PollUntilDone(ctx context.Context, taskID string, interval time.Duration) (string, error) {
	body := map[string][]string{"task_id_list": {taskID}}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := c.post(ctx, "/v1/video/query", body)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Printf("Poll error: %v, retrying...", err)
			if err := sleep(ctx, interval); err != nil {
				return "", err
			}
			continue
		}

		var result queryResp
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			log.Printf("Decode error: %v, retrying...", err)
			if err := sleep(ctx, interval); err != nil {
				return "", err
			}
			continue
		}

		if len(result.Data) > 0 {
			task := result.Data[0]
			switch task.Status {
			case 1:
				return c.resolve(task.Result)
			case 2:
				return "", fmt.Errorf("%w: video task %s: %s", ErrGeneration, taskID, task.Result)
			}
		}
		if err := sleep(ctx, interval); err != nil {
			return "", err
		}
	}
}

// resolve makes a relative locator absolute against the API URL.
func (c *Client) resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: no video in result", ErrGeneration)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse video locator: %w", err)
	}
	if u.IsAbs() {
		return ref, nil
	}
	base, err := url.Parse(c.apiURL + "/")
	if err != nil {
		return "", fmt.Errorf("parse API URL: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

func readAPIError(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e apiError
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return s
	}
	return resp.Status
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
