package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	maxAskPromptLength = 1000
	askMaxTokens       = 600
	askRequestTimeout  = 60 * time.Second
	askSystemPrompt    = "You are a helpful assistant in a Discord server. " +
		"Keep answers under 1800 characters and use Discord markdown."
)

// chatCompleter is the subset of the OpenAI client used by `ask`
type chatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		req openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI answers `ask` prompts with chat completions. Requests are
// throttled process-wide to the configured rate.
type OpenAI struct {
	client         chatCompleter
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	var level slog.Leveler = DefaultOpenAILogLevel
	if config.LogLevel != nil {
		level = config.LogLevel
	}
	o := &OpenAI{
		config: config,
		logger: newComponentLogger(defaultLogWriter, level, "openai"),
	}

	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultOpenAIMaxRequestsPerSecond
	}
	o.requestLimiter = rate.NewLimiter(rate.Limit(rps), 1)

	if config.Token == "" {
		return o
	}
	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

func (o *OpenAI) enabled() bool {
	return o != nil && o.client != nil
}

// Ask returns the model's answer to prompt
func (o *OpenAI) Ask(ctx context.Context, userID string, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, askRequestTimeout)
	defer cancel()

	if err := o.requestLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	model := o.config.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:     model,
			MaxTokens: askMaxTokens,
			User:      userID,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: askSystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		},
	)
	logger := loggerFrom(ctx, o.logger)
	if err != nil {
		logger.ErrorContext(ctx, "chat completion failed", tint.Err(err), "model", model)
		return "", err
	}
	logger.InfoContext(
		ctx,
		"chat completion",
		"model", model,
		"duration", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func askCommand() *Command {
	return &Command{
		Name:        "ask",
		Category:    categoryUtility,
		Description: "Ask the AI assistant a question",
		Cooldown:    30 * time.Second,
		PremiumOnly: true,
		Surfaces:    SurfaceAll,
		Options: []Option{
			{Name: "prompt", Type: OptionString, Description: "Your question", Required: true, Rest: true},
		},
		Run: runAsk,
	}
}

func runAsk(ctx context.Context, cc *CommandContext) error {
	ai := cc.Bot.openai
	if !ai.enabled() {
		return userErrorf("`ask` isn't configured on this bot")
	}
	prompt := strings.TrimSpace(cc.Args.String("prompt"))
	if len([]rune(prompt)) > maxAskPromptLength {
		return userErrorf("prompts can be at most %d characters", maxAskPromptLength)
	}
	if err := cc.Defer(ctx); err != nil {
		return err
	}
	answer, err := ai.Ask(ctx, cc.User.ID, prompt)
	if err != nil {
		return fmt.Errorf("error asking openai: %w", err)
	}
	if answer == "" {
		answer = "(no answer)"
	}
	return cc.Replyf(ctx, "%s", answer)
}
