package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <websocket-url>",
	Short: "Print the values streamed by a bridge",
	Long: `Connect to a bridge's WebSocket endpoint and print every frame to stdout.

Examples:
  wsbridge watch ws://localhost:8000/ws
  wsbridge watch --changes ws://localhost:8000/ws`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchDialTimeout time.Duration
	watchChanges     bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	watchCmd.Flags().BoolVar(&watchChanges, "changes", false, "only print frames whose value differs from the previous one")
}

type watchFrame struct {
	Data *string `json:"data"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, watchDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	defer conn.CloseNow()

	logger.Info("Connected to WebSocket server", zap.String("url", wsURL))

	var last *watchFrame
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				logger.Debug("Signal received, exiting")
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				logger.Info("Server closed connection", zap.String("status", status.String()))
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		var frame watchFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("Unexpected frame", zap.ByteString("frame", data), zap.Error(err))
			continue
		}

		if watchChanges && last != nil && sameValue(last.Data, frame.Data) {
			continue
		}
		last = &frame

		if _, err := fmt.Fprintln(os.Stdout, string(data)); err != nil {
			return errors.Join(err, conn.Close(websocket.StatusNormalClosure, ""))
		}
	}
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
