package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// InlineButton is one button of an inline keyboard.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// Markup is the reply_markup payload. A nil *Markup sends plain text.
type Markup struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// Sender delivers one message to one chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *Markup) error
}

// Limiter blocks until the caller may issue one more API call.
type Limiter interface {
	Wait(ctx context.Context) error
}

// APIError carries a non-OK Bot API response.
type APIError struct {
	Status      int
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram 响应异常 (%d): %s", e.Status, e.Description)
}

// Options configure the Bot API client.
type Options struct {
	BotToken string
	BaseURL  string
	Timeout  time.Duration
	Limiter  Limiter
}

// Client 通过 Telegram Bot API 发送消息。
type Client struct {
	botToken string
	baseURL  string
	timeout  time.Duration
	limiter  Limiter
	client   *http.Client
	logger   zerolog.Logger
}

// NewClient 构造 Telegram 客户端。
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Client{
		botToken: opts.BotToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  timeout,
		limiter:  opts.Limiter,
		client:   &http.Client{},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// SendMessage 调用 sendMessage API; 每次调用单独计时, 超时视为失败。
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *Markup) error {
	if c.botToken == "" {
		return errors.New("telegram bot token not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("wait for send slot: %w", err)
			}
			// the shared limiter is optional; the Bot API enforces its own limit
			c.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("send limiter unavailable; sending anyway")
		}
	}

	payload := sendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Code: result.ErrorCode, Description: result.Description}
	}
	if decodeErr == nil && !result.OK {
		return &APIError{Status: resp.StatusCode, Code: result.ErrorCode, Description: result.Description}
	}

	c.logger.Debug().Int64("chat_id", chatID).Msg("消息已发送")
	return nil
}

type sendMessageRequest struct {
	ChatID      int64   `json:"chat_id"`
	Text        string  `json:"text"`
	ReplyMarkup *Markup `json:"reply_markup,omitempty"`
}

var _ Sender = (*Client)(nil)
