package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge/config"
	"github.com/tsarna/wsbridge/pkg/bridge/payload"
	"github.com/tsarna/wsbridge/pkg/bridge/service"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish <value>",
	Short: "Publish a value to the bridged topic",
	Long: `Publish a value to the topic a bridge is subscribed to.

The value is wrapped according to the configured payload format: with json
(the default) it is sent as {"data": "<value>"}. With raw or jq it is sent
as is.

For the redis and kafka transports the message goes straight to the broker.
The local transport only exists inside a running server, so the message is
posted to the server's /publish endpoint instead (see --url).

Examples:
  wsbridge publish "hello"
  wsbridge publish --transport redis --redis-addr localhost:6379 "25.5"
  wsbridge publish -c bridge.hcl --url http://bridge:8000/publish "on"`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

var (
	publishFlags   configFlags
	publishURL     string
	publishTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishFlags.register(publishCmd)
	publishCmd.Flags().StringVar(&publishURL, "url", "http://localhost:8000/publish", "publish endpoint of a server using the local transport")
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 30*time.Second, "Total operation timeout")
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := publishFlags.load(cmd)
	if err != nil {
		return err
	}

	mode, err := payload.ParseMode(cfg.Pump.Payload)
	if err != nil {
		return err
	}
	if mode == payload.ModeJQ {
		// the value is the whole document the query will run against
		mode = payload.ModeRaw
	}
	body, err := payload.Encode(mode, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	logger.Info("Publishing message",
		zap.String("transport", cfg.Transport),
		zap.String("topic", cfg.Topic),
		zap.ByteString("payload", body),
	)

	if cfg.Transport == config.TransportLocal {
		err = postPublish(ctx, publishURL, body)
	} else {
		err = publishDirect(ctx, cfg, body, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Info("Message published successfully", zap.String("topic", cfg.Topic))
	return nil
}

func publishDirect(ctx context.Context, cfg *config.Config, body []byte, logger *zap.Logger) error {
	publisher, err := service.NewPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("Error closing publisher", zap.Error(closeErr))
		}
	}()

	return publisher.Publish(ctx, cfg.Topic, body)
}

func postPublish(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
