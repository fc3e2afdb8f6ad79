package metric

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/swapslab/tradeloop/service/logger"
)

// Measure is a single named measurement.
type Measure struct {
	Name  string
	Value float64
}

// MetricReporter records measurements. The engine ships a log-based
// reporter; deployments can swap in their own Record func.
type MetricReporter struct {
	Record func(ctx context.Context, m Measure, opts ...any)
}

var LogOptions = LogOptionBuilder{}

// NewLogMetricReporter returns a reporter that writes measurements as
// structured log lines.
func NewLogMetricReporter() MetricReporter {
	return MetricReporter{Record: LogMetricReporter{}.Record}
}

// NewNoopMetricReporter returns a reporter that drops all measurements.
func NewNoopMetricReporter() MetricReporter {
	return MetricReporter{Record: func(context.Context, Measure, ...any) {}}
}

type LogMetricReporter struct{}

type LogArgs struct {
	Tags   map[string]string
	LogMsg string
	Level  *logrus.Level
}

type LogOptionBuilder struct{}

func (LogOptionBuilder) WithLogMessage(msg string) func(*LogArgs) {
	return func(a *LogArgs) {
		a.LogMsg = msg
	}
}

func (LogOptionBuilder) WithTags(tags map[string]string) func(*LogArgs) {
	return func(a *LogArgs) {
		a.Tags = tags
	}
}

func (LogOptionBuilder) WithLevel(l logrus.Level) func(*LogArgs) {
	return func(a *LogArgs) {
		a.Level = &l
	}
}

func (r LogMetricReporter) Record(ctx context.Context, m Measure, opts ...any) {
	args := LogArgs{}
	for _, opt := range opts {
		if f, ok := opt.(func(*LogArgs)); ok {
			f(&args)
		}
	}

	level := logrus.InfoLevel
	if args.Level != nil {
		level = *args.Level
	}

	fields := logrus.Fields{"metric": m.Name, "value": m.Value}
	for k, v := range args.Tags {
		fields[k] = v
	}

	logger.For(ctx).WithFields(fields).Log(level, args.LogMsg)
}
