package observer

import (
	"context"

	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

// LoggingMetricsRecorder emits one structured log line per sandbox task.
type LoggingMetricsRecorder struct{}

var _ MetricsRecorder = LoggingMetricsRecorder{}

func (LoggingMetricsRecorder) ObserveCompile(ctx context.Context, toolchainID string, ok bool, timeMs int64, memoryKB int64) {
	logger.Info(ctx, "sandbox compile finished",
		zap.String("toolchain", toolchainID),
		zap.Bool("ok", ok),
		zap.Int64("time_ms", timeMs),
		zap.Int64("memory_kb", memoryKB),
	)
}

func (LoggingMetricsRecorder) ObserveRun(ctx context.Context, toolchainID string, verdict string, timeMs int64, memoryKB int64, outputKB int64) {
	logger.Info(ctx, "sandbox run finished",
		zap.String("toolchain", toolchainID),
		zap.String("verdict", verdict),
		zap.Int64("time_ms", timeMs),
		zap.Int64("memory_kb", memoryKB),
		zap.Int64("output_kb", outputKB),
	)
}
