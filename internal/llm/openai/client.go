package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client 通过 HTTP 调用 OpenAI 实现 llm.Interpreter 与 llm.Composer。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	fallback    llm.Composer
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	fallback, err := llm.NewTemplateComposer(nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		fallback: fallback,
	}, nil
}

// ExtractOfferAmounts 让模型以 JSON 返回提案数量。
func (c *Client) ExtractOfferAmounts(ctx context.Context, text string, symbols llm.Symbols) (llm.Proposal, bool, error) {
	prompt := fmt.Sprintf(extractPrompt, symbols.Ours, symbols.Theirs, strings.TrimSpace(text))
	content, err := c.complete(ctx, extractSystemPrompt, prompt, true)
	if err != nil {
		return llm.Proposal{}, false, err
	}
	var decoded struct {
		Found bool `json:"found"`
		llm.Proposal
	}
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return llm.Proposal{}, false, xerrors.Wrap(xerrors.CodeInterpretFailure, err, "解析模型提取结果失败")
	}
	if !decoded.Found || decoded.OurAmount <= 0 || decoded.TheirAmount <= 0 {
		return llm.Proposal{}, false, nil
	}
	return decoded.Proposal, true, nil
}

// IsAcceptance 让模型判断消息是否为直接接受。
func (c *Client) IsAcceptance(ctx context.Context, text string) (bool, error) {
	content, err := c.complete(ctx, acceptSystemPrompt, strings.TrimSpace(text), true)
	if err != nil {
		return false, err
	}
	var decoded struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return false, xerrors.Wrap(xerrors.CodeInterpretFailure, err, "解析模型判断结果失败")
	}
	return decoded.Accepted, nil
}

// Compose 先用模板生成草稿，再由模型润色；数值以草稿为准。
func (c *Client) Compose(ctx context.Context, req llm.ComposeRequest) (string, error) {
	draft, err := c.fallback.Compose(ctx, req)
	if err != nil {
		return "", err
	}
	content, err := c.complete(ctx, composeSystemPrompt, draft, false)
	if err != nil {
		return draft, nil
	}
	return content, nil
}

func (c *Client) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	payload, err := c.buildPayload(system, user, jsonMode)
	if err != nil {
		return "", err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInterpretFailure, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodeInterpretFailure, fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeInterpretFailure, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeInterpretFailure, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", xerrors.New(xerrors.CodeInterpretFailure, "OpenAI 响应内容为空")
	}
	return content, nil
}

func (c *Client) buildPayload(system, user string, jsonMode bool) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"temperature": c.temperature,
	}
	if jsonMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const extractSystemPrompt = "" +
	"You extract token swap proposals from chat messages. " +
	"Always respond with a compact JSON object: {\"found\": bool, \"our_amount\": number, \"their_amount\": number}."

const extractPrompt = "" +
	"Our token symbol is %s and the counterparty token symbol is %s.\n" +
	"our_amount is how many of our tokens the sender asks for, their_amount is how many of their tokens they give.\n" +
	"Set found to false when the message does not state both amounts.\n\nMessage:\n%s"

const acceptSystemPrompt = "" +
	"Decide whether the message plainly accepts the offer currently on the table without proposing new amounts. " +
	"Always respond with a compact JSON object: {\"accepted\": bool}."

const composeSystemPrompt = "" +
	"Rewrite the message in a friendly, concise tone for a social media reply. " +
	"Keep every number, token symbol and transaction reference exactly as given. Respond with the message text only."
