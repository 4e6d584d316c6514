// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// toolParseErrorMarker identifies the recoverable server-side error emitted
// when the model produced tool-call JSON the server could not parse.
const toolParseErrorMarker = "error parsing tool call"

// OllamaClient implements ChatBackend against the Ollama /api endpoints.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// OllamaConfig configures the client.
type OllamaConfig struct {
	// Host is the base URL. Default: http://localhost:11434
	Host string

	// Timeout applies to non-streaming requests only; streaming requests
	// are bounded by the caller's context.
	Timeout time.Duration
}

// NewOllamaClient creates a client for an Ollama server.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	host := cfg.Host
	if host == "" {
		host = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL:    strings.TrimSuffix(host, "/"),
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
	}
}

// Wire types for /api/chat.

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Options   *ollamaOptions  `json:"options,omitempty"`
	Tools     []ollamaTool    `json:"tools,omitempty"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Think     bool            `json:"think,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Type     string                 `json:"type,omitempty"`
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaChunk struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

type ollamaShowResponse struct {
	Capabilities []string       `json:"capabilities"`
	ModelInfo    map[string]any `json:"model_info"`
	Parameters   string         `json:"parameters"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *OllamaClient) buildRequest(req ChatRequest, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		om := ollamaMessage{
			Role:     msg.Role,
			Content:  msg.Content,
			Thinking: msg.Thinking,
			ToolName: msg.ToolName,
		}
		for i, tc := range msg.ToolCalls {
			args := tc.Args
			if args == nil {
				args = make(map[string]any)
			}
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Type: "function",
				Function: ollamaToolCallFunction{
					Index:     i,
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		messages = append(messages, om)
	}

	out := ollamaChatRequest{
		Model:     req.Model,
		Messages:  messages,
		Stream:    stream,
		KeepAlive: req.KeepAlive,
		Think:     req.Think,
	}

	opts := req.Options
	if opts.Temperature != 0 || opts.NumPredict != 0 || opts.NumCtx != 0 || len(opts.Stop) > 0 {
		out.Options = &ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.NumPredict,
			NumCtx:      opts.NumCtx,
			Stop:        opts.Stop,
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return out
}

// Chat opens a streaming chat request. Chunks arrive on the returned
// channel; the channel closes when the stream ends or ctx is cancelled.
// Cancellation aborts the HTTP transport immediately.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	body, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make streaming request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	out := make(chan Chunk, 100)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		c.decodeStream(ctx, resp.Body, out)
	}()

	return out, nil
}

// decodeStream reads NDJSON chunks until done or error. Recoverable
// tool-call parse errors are forwarded as chunks; everything else ends the
// stream with a terminal error chunk.
func (c *OllamaClient) decodeStream(ctx context.Context, body io.Reader, out chan<- Chunk) {
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return
			}
			if ctx.Err() != nil {
				// Transport aborted by cancellation; not an error.
				return
			}
			c.send(ctx, out, Chunk{Err: fmt.Errorf("failed to read stream: %w", err)})
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			if strings.Contains(chunk.Error, toolParseErrorMarker) {
				// Recoverable: surface and keep reading.
				if !c.send(ctx, out, Chunk{Err: &ToolParseError{Raw: chunk.Error}}) {
					return
				}
				continue
			}
			c.send(ctx, out, Chunk{Err: fmt.Errorf("ollama API error: %s", chunk.Error)})
			return
		}

		delta := Chunk{
			Content:  chunk.Message.Content,
			Thinking: chunk.Message.Thinking,
		}
		for _, tc := range chunk.Message.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = make(map[string]any)
			}
			delta.ToolCalls = append(delta.ToolCalls, newToolCall(tc.Function.Index, tc.Function.Name, args))
		}

		if chunk.Done {
			delta.Done = true
			delta.DoneReason = chunk.DoneReason
			delta.PromptEvalCount = chunk.PromptEvalCount
			delta.EvalCount = chunk.EvalCount
			c.send(ctx, out, delta)
			return
		}

		if !c.send(ctx, out, delta) {
			return
		}
	}
}

func (c *OllamaClient) send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// ChatNoStream sends a blocking chat request, used for title generation and
// summary fallbacks.
func (c *OllamaClient) ChatNoStream(ctx context.Context, req ChatRequest) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var chunk ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if chunk.Error != "" {
		return nil, fmt.Errorf("ollama API error: %s", chunk.Error)
	}

	out := &Response{
		Content:         chunk.Message.Content,
		Thinking:        chunk.Message.Thinking,
		PromptEvalCount: chunk.PromptEvalCount,
		EvalCount:       chunk.EvalCount,
	}
	for _, tc := range chunk.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = make(map[string]any)
		}
		out.ToolCalls = append(out.ToolCalls, newToolCall(tc.Function.Index, tc.Function.Name, args))
	}
	return out, nil
}

// ListModels returns the names of locally available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// ShowModel returns capability details for one model.
func (c *OllamaClient) ShowModel(ctx context.Context, name string) (*ModelInfo, error) {
	body, err := json.Marshal(map[string]string{"model": name})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to show model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var show ollamaShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return &ModelInfo{
		Capabilities: show.Capabilities,
		Details:      show.ModelInfo,
		Parameters:   show.Parameters,
	}, nil
}

func (c *OllamaClient) statusError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}
	var errorJSON struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(bodyBytes, &errorJSON) == nil && errorJSON.Error != "" {
		return fmt.Errorf("ollama API error: %s", errorJSON.Error)
	}
	return fmt.Errorf("ollama API request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
}

// ToolParseError is the recoverable server error produced when the model
// emitted malformed tool-call JSON. Raw carries the full server message,
// which usually embeds the offending fragment.
type ToolParseError struct {
	Raw string
}

func (e *ToolParseError) Error() string {
	return e.Raw
}

// Compile-time interface check.
var _ ChatBackend = (*OllamaClient)(nil)
