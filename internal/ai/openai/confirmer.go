package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/songzhibin97/quantaguard/internal/ai"
)

// Confirmer implements ai.Confirmer using OpenAI chat completions
type Confirmer struct {
	client *openai.Client
	model  string
}

// NewConfirmer creates a new Confirmer. baseURL may point at any OpenAI compatible
// endpoint; empty keeps the default.
func NewConfirmer(apiKey, model, baseURL string) *Confirmer {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini // 默认使用较便宜的模型
	}
	return &Confirmer{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// ConfirmTrade implements ai.Confirmer
func (c *Confirmer) ConfirmTrade(ctx context.Context, signal ai.TradeSignal) (*ai.Confirmation, error) {
	market := "无"
	if m := signal.Market; m != nil {
		market = fmt.Sprintf("价格: %.8f, 24h成交量: %.2f, 24h最高: %.8f, 24h最低: %.8f, 24h涨跌幅: %.2f%%",
			m.Price, m.Volume, m.High24h, m.Low24h, m.Change24h)
	}

	prompt := fmt.Sprintf(`评估以下自动交易信号是否应该执行:
策略: %s
买入: %s (使用 %s)
数量: %.8f
价格: %.8f
信号原因: %s
市场数据: %s

请判断该信号是否合理，并给出0-1之间的置信度。

输出格式为JSON:
{
    "approve": bool,
    "confidence": float,
    "reason": "string"
}`,
		signal.Strategy, signal.TokenOut, signal.TokenIn, signal.Amount, signal.Price, signal.Reason, market)

	resp, err := c.createChatCompletion(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm trade: %w", err)
	}

	var result ai.Confirmation
	if err := json.Unmarshal([]byte(stripFence(resp)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse confirmation: %w", err)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("confidence out of range: %v", result.Confidence)
	}

	return &result, nil
}

// stripFence removes a markdown code fence around a JSON answer.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// createChatCompletion is a helper function to make OpenAI API calls
func (c *Confirmer) createChatCompletion(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: "你是一个谨慎的加密货币交易风控助手。请始终以JSON格式返回结果。",
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			Temperature: 0.1, // 使用较低的temperature以获得更稳定的输出
		},
	)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	return resp.Choices[0].Message.Content, nil
}
