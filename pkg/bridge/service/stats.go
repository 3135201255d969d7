package service

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tsarna/wsbridge/pkg/bridge/config"
)

func (s *Service) newStatsReporter(schedule string) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLogger(NewZapCronLogger(s.logger.Named("cron"))),
		cron.WithParser(config.StatsParser),
	)

	if _, err := c.AddFunc(schedule, s.reportStats); err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", schedule, err)
	}

	return c, nil
}

// reportStats logs one line describing the bridge state.
func (s *Service) reportStats() {
	snapshot := s.cell.Snapshot()

	fields := []zap.Field{
		zap.String("topic", s.config.Topic),
		zap.Int("connections", s.listener.ConnectionCount()),
		zap.Bool("has_value", snapshot.Present),
		zap.Bool("pump_running", s.PumpRunning()),
	}
	if snapshot.Present {
		fields = append(fields, zap.Duration("value_age", s.clock.Since(snapshot.UpdatedAt)))
	}

	s.logger.Info("Bridge stats", fields...)
}

// ZapCronLogger adapts a zap.Logger to implement the cron.Logger interface
type ZapCronLogger struct {
	logger *zap.Logger
}

// NewZapCronLogger creates a new ZapCronLogger that wraps the given zap.Logger
func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

// Info logs cron's routine messages at debug level.
func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, keysAndValuesToFields(keysAndValues)...)
}

// Error logs error conditions using zap's Error level
func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]zap.Field{zap.Error(err)}, keysAndValuesToFields(keysAndValues)...)
	z.logger.Error(msg, fields...)
}

func keysAndValuesToFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
