// Package claude implements reasoner.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/reasoner"
)

// Client implements reasoner.Provider.
type Client struct {
	sdk anthropic.Client
}

// New creates a Client. SDK retries are disabled: the reasoner's fallback
// model is the retry path, and each call is bounded by its own deadline.
func New(apiKey string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	return &Client{sdk: anthropic.NewClient(append(base, opts...)...)}
}

// Complete sends one single-turn request.
func (c *Client) Complete(ctx context.Context, req *reasoner.Request) (*reasoner.Response, error) {
	msg, err := c.sdk.Messages.New(ctx, toParams(req))
	if err != nil {
		return nil, classify("claude.complete", err)
	}
	return fromSDKResponse(msg), nil
}

// Ping checks that model is reachable with the configured key.
func (c *Client) Ping(ctx context.Context, model string) error {
	if _, err := c.sdk.Models.Get(ctx, model, anthropic.ModelGetParams{}); err != nil {
		return classify("claude.ping", err)
	}
	return nil
}

func toParams(req *reasoner.Request) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		p.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return p
}

func fromSDKResponse(msg *anthropic.Message) *reasoner.Response {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &reasoner.Response{
		Text:       text.String(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: reasoner.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// classify maps API failures onto error kinds. Throttling and server errors
// are Unavailable; other API rejections are Internal since retrying the same
// request will not help.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.E(errs.KindTimeout, op, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind := errs.KindInternal
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			kind = errs.KindUnavailable
		}
		return errs.E(kind, op, fmt.Errorf("status %d", apiErr.StatusCode))
	}
	return errs.E(errs.KindUnavailable, op, err)
}
