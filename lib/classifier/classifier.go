// Package classifier scores message text for spam with an LLM backend.
// The output is a pair of spam/ham probabilities consumed by the guard gate.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater"
	tokenizer "github.com/sandwich-go/gpt3-encoder"
	"github.com/sashabaranov/go-openai"

	"github.com/tg-guard/tg-guard/lib/guard"
)

//go:generate moq --out mocks/openai_client.go --pkg mocks --skip-ensure . openAIClient:OpenAIClientMock

// Classifier scores a single message. priorHandle is the entity's current
// generalization handle, carried through when the backend has nothing newer.
type Classifier interface {
	Classify(ctx context.Context, text, priorHandle string) (guard.Scores, error)
}

// Config contains parameters for the OpenAI classifier.
type Config struct {
	// https://platform.openai.com/docs/api-reference/chat/create#chat/create-max_tokens
	MaxTokensResponse int // hard limit for the number of tokens in the response
	MaxTokensRequest  int // max request length in tokens
	MaxSymbolsRequest int // fallback max request length in symbols, if tokenizer failed
	Model             string
	SystemPrompt      string
	Retries           int           // attempts per request, default 1 (no retries)
	RetryDelay        time.Duration // fixed delay between attempts
}

type openAIClient interface {
	CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI is a Classifier on top of the OpenAI chat completion API.
type OpenAI struct {
	client openAIClient
	params Config
}

const defaultPrompt = `I'll give you a text from the messaging application and you will return me a json with three fields: {"spam": true/false, "reason":"why this is spam", "confidence":1-100}. Set spam:true only of confidence above 80`

type apiResponse struct {
	IsSpam     bool   `json:"spam"`
	Reason     string `json:"reason"`
	Confidence int    `json:"confidence"`
}

// NewOpenAI makes an OpenAI-backed classifier.
func NewOpenAI(client openAIClient, params Config) *OpenAI {
	if params.SystemPrompt == "" {
		params.SystemPrompt = defaultPrompt
	}
	if params.MaxTokensResponse == 0 {
		params.MaxTokensResponse = 1024
	}
	if params.MaxTokensRequest == 0 {
		params.MaxTokensRequest = 1024
	}
	if params.MaxSymbolsRequest == 0 {
		params.MaxSymbolsRequest = 8192
	}
	if params.Model == "" {
		params.Model = "gpt-4o-mini"
	}
	if params.Retries <= 0 {
		params.Retries = 1
	}
	if params.RetryDelay == 0 {
		params.RetryDelay = time.Second
	}
	return &OpenAI{client: client, params: params}
}

// Classify sends the text to the backend and converts the result to spam/ham
// probabilities. A classifier failure is returned as an error, the caller
// decides whether to pass the message through.
func (o *OpenAI) Classify(ctx context.Context, text, priorHandle string) (guard.Scores, error) {
	if o.client == nil {
		return guard.Scores{}, fmt.Errorf("classifier client is not set")
	}

	var resp apiResponse
	var handle string
	err := repeater.NewDefault(o.params.Retries, o.params.RetryDelay).Do(ctx, func() (e error) {
		resp, handle, e = o.sendRequest(ctx, text)
		return e
	})
	if err != nil {
		return guard.Scores{}, fmt.Errorf("openai request failed: %w", err)
	}

	conf := float64(resp.Confidence) / 100
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	scores := guard.Scores{ModelHandle: handle}
	if scores.ModelHandle == "" {
		scores.ModelHandle = priorHandle
	}
	if resp.IsSpam {
		scores.Spam, scores.Ham = conf, 1-conf
		return scores, nil
	}
	scores.Spam, scores.Ham = 1-conf, conf
	return scores, nil
}

func (o *OpenAI) sendRequest(ctx context.Context, msg string) (response apiResponse, handle string, err error) {
	// reduce the request size with tokenizer and fall back to a symbol cut if it fails.
	// the model token budget covers request + response together, the response part
	// is always reserved, so the request has to fit into MaxTokensRequest.
	reduceRequest := func(text string) (result string) {
		defaultReducer := func(text string) (result string) {
			if len(text) <= o.params.MaxSymbolsRequest {
				return text
			}
			return text[:o.params.MaxSymbolsRequest]
		}

		encoder, tokErr := tokenizer.NewEncoder()
		if tokErr != nil {
			return defaultReducer(text)
		}

		tokens, encErr := encoder.Encode(text)
		if encErr != nil {
			return defaultReducer(text)
		}

		if len(tokens) <= o.params.MaxTokensRequest {
			return text
		}

		return encoder.Decode(tokens[:o.params.MaxTokensRequest])
	}

	r := reduceRequest(msg)

	data := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: o.params.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: r},
	}

	resp, err := o.client.CreateChatCompletion(ctx,
		openai.ChatCompletionRequest{Model: o.params.Model, MaxTokens: o.params.MaxTokensResponse, Messages: data})
	if err != nil {
		return apiResponse{}, "", err
	}

	// multiple choices are possible but only the first one is used:
	// https://platform.openai.com/docs/api-reference/chat/create#chat/create-n
	if len(resp.Choices) == 0 {
		return apiResponse{}, "", fmt.Errorf("no choices in response")
	}

	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &response); err != nil {
		return apiResponse{}, "", fmt.Errorf("can't unmarshal response: %s, error: %w", resp.Choices[0].Message.Content, err)
	}

	handle = resp.ID
	if handle == "" {
		handle = o.params.Model
	}
	return response, handle, nil
}
