/*
Copyright 2025 The Dorch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package analyzer runs durable analysis workers: each consumes wad or
// map records from the broker, feeds them to a language model and posts
// the structured verdict back to the content service.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
	"k8s.io/klog/v2"
)

const (
	analysisMaxTokens = 800
	inputTokenLimit   = 1200
	requestTimeout    = 30 * time.Second
)

// Encoder counts tokens for input truncation.
type Encoder interface {
	Encode(text string) []int
}

type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
}

func (e tiktokenEncoder) Encode(text string) []int {
	return e.enc.Encode(text, nil, nil)
}

// NewEncoder loads the p50k_base tokenizer.
func NewEncoder() (Encoder, error) {
	enc, err := tiktoken.GetEncoding("p50k_base")
	if err != nil {
		return nil, fmt.Errorf("load p50k_base tokenizer: %w", err)
	}
	return tiktokenEncoder{enc: enc}, nil
}

// RespectTokenLimit returns the longest UTF-8-valid prefix of text whose
// token count is at most budget. If the whole text fits it is returned
// unchanged. The result is deterministic and never splits a codepoint.
func RespectTokenLimit(text string, enc Encoder, budget int) string {
	if len(enc.Encode(text)) <= budget {
		return text
	}
	// Candidate cut points are the rune boundaries; binary-search for
	// the longest prefix that still fits.
	bounds := make([]int, 0, len(text)+1)
	for i := range text {
		bounds = append(bounds, i)
	}
	bounds = append(bounds, len(text))

	lo, hi := 0, len(bounds)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if len(enc.Encode(text[:bounds[mid]])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return text[:bounds[lo]]
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Analyzer sends one JSON document to the model and returns the parsed
// JSON verdict.
type Analyzer struct {
	client       chatClient
	model        string
	systemPrompt string
	enc          Encoder
}

func New(systemPrompt, model, apiKey, baseURL string) (*Analyzer, error) {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	enc, err := NewEncoder()
	if err != nil {
		return nil, err
	}
	return &Analyzer{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		systemPrompt: systemPrompt,
		enc:          enc,
	}, nil
}

// Analyze truncates inputJSON to the input token budget, requests a
// JSON-object completion and returns the raw verdict.
func (a *Analyzer) Analyze(ctx context.Context, inputJSON string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	input := RespectTokenLimit(inputJSON, a.enc, inputTokenLimit)
	klog.Infof("sending analysis request: model=%s size=%d", a.model, len(input))

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.model,
		MaxTokens: analysisMaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create analysis: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices returned from model")
	}
	choice := resp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, errors.New("model returned empty analysis")
	}
	if choice.FinishReason != openai.FinishReasonStop {
		return nil, fmt.Errorf("model response incomplete (finish_reason=%s)", choice.FinishReason)
	}
	if !json.Valid([]byte(content)) {
		return nil, errors.New("model returned malformed JSON analysis")
	}
	return json.RawMessage(content), nil
}
