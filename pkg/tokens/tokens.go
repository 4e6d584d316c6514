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

// Package tokens provides token counting for context-window budgeting.
//
// Counts are encoder-accurate when a tiktoken encoding is available for the
// model, and fall back to the usual chars/4 estimate otherwise. Local models
// served by Ollama rarely map to a tiktoken encoding by name, so the
// fallback path is the common one; the post-request prompt_eval_count from
// the server corrects the estimate on the next iteration.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a specific model.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// Message is a role/content pair for message-list counting.
type Message struct {
	Role    string
	Content string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for the given model. The encoding lookup is
// cached process-wide. When no encoding matches, cl100k_base is used; Count
// still degrades gracefully to estimation if even that fails.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message
// chat-template overhead.
func (c *Counter) CountMessages(messages []Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += c.Count(msg.Role)
		total += c.Count(msg.Content)
	}
	// Reply priming.
	total += 3
	return total
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate provides the rough chars/4 token estimate used before the first
// server-reported count is available.
func Estimate(text string) int {
	return len(text) / 4
}
