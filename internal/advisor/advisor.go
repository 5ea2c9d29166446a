// Package advisor proxies the educational text-completion collaborator.
// Responses are display-only study material; the assistant never replaces a
// mentor session and no lifecycle invariant depends on it.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.5-flash"
	requestTimeout = 30 * time.Second
	maxPromptBytes = 2000

	systemInstructions = `You are an educational trading assistant for retail investors.
Never give specific buy or sell recommendations and never predict prices.
Explain concepts in simple language, keep responses under 150 words, include
risk disclaimers when discussing strategies, and redirect portfolio-specific
questions to a verified mentor.`
)

var (
	ErrEmptyPrompt    = errors.New("empty prompt")
	ErrPromptTooLong  = errors.New("prompt too long")
	ErrMissingAPIKey  = errors.New("missing api key")
	ErrUpstreamFailed = errors.New("advisor upstream failed")
	ErrEmptyAnswer    = errors.New("empty answer from upstream")
)

// Client is a thin text-completion client.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the upstream endpoint, used by tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(client *Client) {
		if baseURL != "" {
			client.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithModel overrides the completion model.
func WithModel(model string) ClientOption {
	return func(client *Client) {
		if model != "" {
			client.model = model
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewClient returns an advisor client. The api key is required at call time,
// not construction, so a keyless deployment can still boot with the route
// returning a clean error.
func NewClient(apiKey string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client
}

type generateRequest struct {
	SystemInstruction content   `json:"systemInstruction"`
	Contents          []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Ask sends one user prompt with the fixed system instructions and returns
// the completion text.
func (client *Client) Ask(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if len(prompt) > maxPromptBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrPromptTooLong, len(prompt))
	}
	if client.apiKey == "" {
		return "", ErrMissingAPIKey
	}

	payload, err := json.Marshal(generateRequest{
		SystemInstruction: content{Parts: []part{{Text: systemInstructions}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", client.baseURL, client.model)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-goog-api-key", client.apiKey)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUpstreamFailed, response.StatusCode)
	}

	var parsed generateResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyAnswer
	}
	answer := strings.TrimSpace(parsed.Candidates[0].Content.Parts[0].Text)
	if answer == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}
