package agent

import (
	"context"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/antigravity-dev/maestro/internal/core"
)

// Completion is one model response with its usage accounting.
type Completion struct {
	Text  string
	Usage Usage
}

// Model is the LLM surface behind the pipeline's LLM mode. Tests inject a
// deterministic fake; production wires the Anthropic client.
type Model interface {
	Complete(ctx context.Context, role, system, user string) (Completion, error)
}

// MessagesClient is the subset of the Anthropic SDK used here, satisfied by
// *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicModel implements Model on the Claude Messages API.
type AnthropicModel struct {
	Messages  MessagesClient
	Model     string
	MaxTokens int64

	// Pricing per million tokens, used to attribute cost_usd to steps.
	InputPerMTok  float64
	OutputPerMTok float64
}

// NewAnthropicModel builds a model client from an API key.
func NewAnthropicModel(apiKey, model string, maxTokens int64, inPerMTok, outPerMTok float64) *AnthropicModel {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicModel{
		Messages:      &client.Messages,
		Model:         model,
		MaxTokens:     maxTokens,
		InputPerMTok:  inPerMTok,
		OutputPerMTok: outPerMTok,
	}
}

func (m *AnthropicModel) Complete(ctx context.Context, role, system, user string) (Completion, error) {
	start := time.Now()
	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	msg, err := m.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(m.Model),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	})
	if err != nil {
		return Completion{}, core.New(core.CodeAgentMalformed, "%s model call: %v", role, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return Completion{
		Text: strings.TrimSpace(sb.String()),
		Usage: Usage{
			TokensIn:  in,
			TokensOut: out,
			CostUSD:   tokenCost(in, m.InputPerMTok) + tokenCost(out, m.OutputPerMTok),
			WallMs:    time.Since(start).Milliseconds(),
		},
	}, nil
}

func tokenCost(tokens int, pricePerMTok float64) float64 {
	return float64(tokens) / 1e6 * pricePerMTok
}
