package guildhall

import (
	"context"
	"fmt"
	"github.com/go-resty/resty/v2"
	"log/slog"
	"net/http"
	"net/url"
)

// BridgeError is returned by BridgeClient when the bridge replies with an
// error status
type BridgeError struct {
	StatusCode int
	Message    string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge returned %d: %s", e.StatusCode, e.Message)
}

// BridgeClient calls the bot process's internal API
type BridgeClient struct {
	client *resty.Client
	logger *slog.Logger
}

func NewBridgeClient(cfg *BridgeConfig, httpClient *http.Client, logger *slog.Logger) *BridgeClient {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBridgeTimeout
	}
	client := resty.NewWithClient(httpClient).
		SetBaseURL(cfg.URL).
		SetAuthToken(cfg.Key).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &BridgeClient{client: client, logger: logger.With(loggerNameKey, "bridge_client")}
}

func (b *BridgeClient) get(ctx context.Context, path string, result any) error {
	var apiErr apiError
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&apiErr).
		Get(bridgePrefix + path)
	if err != nil {
		return fmt.Errorf("error calling bridge: %w", err)
	}
	if resp.IsError() {
		loggerFrom(ctx, b.logger).WarnContext(
			ctx,
			"bridge request failed",
			"path", path,
			"status_code", resp.StatusCode(),
			"error", apiErr.Error,
		)
		return &BridgeError{StatusCode: resp.StatusCode(), Message: apiErr.Error}
	}
	return nil
}

func (b *BridgeClient) Health(ctx context.Context) (bool, error) {
	var rv struct {
		GatewayConnected bool `json:"gateway_connected"`
	}
	err := b.get(ctx, bridgePathHealth, &rv)
	return rv.GatewayConnected, err
}

func (b *BridgeClient) Channels(ctx context.Context, guildID string) ([]GuildChannel, error) {
	var rv struct {
		Channels []GuildChannel `json:"channels"`
	}
	err := b.get(ctx, "/guilds/"+url.PathEscape(guildID)+"/channels", &rv)
	return rv.Channels, err
}

func (b *BridgeClient) Roles(ctx context.Context, guildID string) ([]GuildRole, error) {
	var rv struct {
		Roles []GuildRole `json:"roles"`
	}
	err := b.get(ctx, "/guilds/"+url.PathEscape(guildID)+"/roles", &rv)
	return rv.Roles, err
}

func (b *BridgeClient) Stats(ctx context.Context) (BridgeStats, error) {
	var rv struct {
		Stats BridgeStats `json:"stats"`
	}
	err := b.get(ctx, bridgePathStats, &rv)
	return rv.Stats, err
}

func (b *BridgeClient) Commands(ctx context.Context) ([]CommandInfo, error) {
	var rv struct {
		Commands []CommandInfo `json:"commands"`
	}
	err := b.get(ctx, bridgePathCommands, &rv)
	return rv.Commands, err
}
