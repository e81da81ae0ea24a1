// Package judge submits source code to a Judge0-compatible execution backend
// and polls for the result.
package judge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Judge0 language ids for the supported set.
var languageIDs = map[string]int{
	"javascript": 63,
	"python":     71,
	"java":       62,
	"cpp":        54,
	"c":          50,
	"php":        68,
	"ruby":       72,
	"go":         60,
	"rust":       73,
	"kotlin":     78,
	"swift":      83,
	"typescript": 74,
}

// Status ids 1 (In Queue) and 2 (Processing) are non-terminal.
const lastNonTerminalStatus = 2

const (
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 30
)

// Result is what a run produces. Status carries the backend's human-readable
// status description, which may still be non-terminal if polling gave up.
type Result struct {
	Output string `json:"output"`
	Error  string `json:"error"`
	Status string `json:"status"`
}

type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	apiHost      string
	pollInterval time.Duration
	maxAttempts  int
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPolling overrides the poll interval and attempt cap.
func WithPolling(interval time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.maxAttempts = maxAttempts
	}
}

func NewClient(baseURL, apiKey, apiHost string, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		apiHost:      apiHost,
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SupportedLanguages returns the supported language tags, sorted.
func SupportedLanguages() []string {
	langs := make([]string, 0, len(languageIDs))
	for lang := range languageIDs {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// IsSupported reports whether language maps to a backend id.
func IsSupported(language string) bool {
	_, ok := languageIDs[strings.ToLower(language)]
	return ok
}

type submission struct {
	LanguageID int    `json:"language_id"`
	SourceCode string `json:"source_code"`
	Stdin      string `json:"stdin,omitempty"`
}

type submissionToken struct {
	Token string `json:"token"`
}

type submissionResult struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	CompileOutput string `json:"compile_output"`
	Message       string `json:"message"`
	Status        struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
}

// Execute runs code on the backend and waits for a terminal status, polling
// at the configured interval up to the attempt cap. Hitting the cap is not
// an error: the last observed result is returned as-is, status included.
func (c *Client) Execute(ctx context.Context, code, language, stdin string) (Result, error) {
	languageID, ok := languageIDs[strings.ToLower(language)]
	if !ok {
		return Result{}, fmt.Errorf("unsupported language: %s. Supported: %s",
			language, strings.Join(SupportedLanguages(), ", "))
	}

	sub := submission{
		LanguageID: languageID,
		SourceCode: base64.StdEncoding.EncodeToString([]byte(code)),
	}
	if stdin != "" {
		sub.Stdin = base64.StdEncoding.EncodeToString([]byte(stdin))
	}

	token, err := c.submit(ctx, sub)
	if err != nil {
		return Result{}, fmt.Errorf("code execution failed: %s", err.Error())
	}

	var result submissionResult
	for attempts := 0; attempts < c.maxAttempts; attempts++ {
		if err := c.sleep(ctx); err != nil {
			return Result{}, fmt.Errorf("code execution failed: %s", err.Error())
		}

		result, err = c.poll(ctx, token)
		if err != nil {
			return Result{}, fmt.Errorf("code execution failed: %s", err.Error())
		}

		if result.Status.ID > lastNonTerminalStatus {
			break
		}
	}

	return decodeResult(result)
}

func (c *Client) submit(ctx context.Context, sub submission) (string, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}

	url := c.baseURL + "/submissions?base64_encoded=true&fields=*"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("submission rejected with status %d", resp.StatusCode)
	}

	var tok submissionToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	if tok.Token == "" {
		return "", fmt.Errorf("submission returned no token")
	}
	return tok.Token, nil
}

func (c *Client) poll(ctx context.Context, token string) (submissionResult, error) {
	var result submissionResult

	url := fmt.Sprintf("%s/submissions/%s?base64_encoded=true&fields=*", c.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return result, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("poll failed with status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-RapidAPI-Key", c.apiKey)
	}
	if c.apiHost != "" {
		req.Header.Set("X-RapidAPI-Host", c.apiHost)
	}
}

func (c *Client) sleep(ctx context.Context) error {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decodeResult(raw submissionResult) (Result, error) {
	stdout, err := decodeBase64(raw.Stdout)
	if err != nil {
		return Result{}, fmt.Errorf("code execution failed: %s", err.Error())
	}
	stderr, err := decodeBase64(raw.Stderr)
	if err != nil {
		return Result{}, fmt.Errorf("code execution failed: %s", err.Error())
	}
	compileOutput, err := decodeBase64(raw.CompileOutput)
	if err != nil {
		return Result{}, fmt.Errorf("code execution failed: %s", err.Error())
	}

	// stderr wins over compiler output for the error field.
	errText := stderr
	if errText == "" {
		errText = compileOutput
	}

	// Backend-level failures (e.g. invalid submissions) report through
	// message with no stdout.
	output := stdout
	if output == "" {
		output = raw.Message
	}

	return Result{
		Output: output,
		Error:  errText,
		Status: raw.Status.Description,
	}, nil
}

func decodeBase64(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
