package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Field keys shared by every component that logs about a monitored location.
const (
	FieldComponent  = "component"
	FieldLocation   = "location_id"
	FieldConnection = "connection_id"
	FieldSession    = "session"
)

// Fields type alias for logrus.Fields to maintain compatibility
type Fields map[string]interface{}

// Log wraps logrus.Logger with additional functionality
type Log struct {
	*logrus.Logger
}

// Entry wraps logrus.Entry with additional functionality
type Entry struct {
	*logrus.Entry
}

var globalLogger = Logger()

// Logger builds a JSON logger at info level, or at LOG_LEVEL when that
// names a valid level.
func Logger() *Log {
	logger := logrus.New()
	logger.SetReportCaller(true)
	logger.SetLevel(logrus.InfoLevel)
	if lvl, err := parseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}
	logger.SetFormatter(jsonFormatter())
	logger.AddHook(&callerHook{})
	return &Log{Logger: logger}
}

func GetLogger() *Log {
	return globalLogger
}

// parseLevel accepts the logrus level names plus "report", which logs at
// info so the periodic report stays visible.
func parseLevel(name string) (logrus.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "report" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(name)
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
		CallerPrettyfier: callerPrettyfier,
	}
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case "json", "":
		return jsonFormatter(), nil
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		}, nil
	default:
		return nil, fmt.Errorf("invalid log format '%s'", format)
	}
}

// openOutput resolves stdout, stderr or a file path. Files are rotated by
// lumberjack when maxAge is positive.
func openOutput(output string, maxAge int) (io.Writer, error) {
	switch output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if maxAge > 0 {
		return &lumberjack.Logger{
			Filename: output,
			MaxAge:   maxAge,
			MaxSize:  100,
			Compress: true,
		}, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", output, err)
	}
	return file, nil
}

// Configure applies the logging section of the configuration. LOG_LEVEL
// wins over level. Nothing is changed when any setting is invalid.
func (l *Log) Configure(level string, format string, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}
	out, err := openOutput(output, maxAge)
	if err != nil {
		return err
	}

	l.SetLevel(lvl)
	l.SetReportCaller(true)
	l.SetFormatter(formatter)
	l.SetOutput(out)
	return nil
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField(FieldComponent, component)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

// WithLocation tags the entry with the monitored location id.
func (l *Log) WithLocation(locationID string) *Entry {
	return &Entry{Entry: l.Logger.WithField(FieldLocation, locationID)}
}

func (l *Log) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	l.WithComponent(component).LogMetric(component, metric, value, metricType, fields)
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField(FieldComponent, component)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

// WithLocation tags the entry with the monitored location id. An empty id
// leaves the entry unchanged.
func (e *Entry) WithLocation(locationID string) *Entry {
	if locationID == "" {
		return e
	}
	return &Entry{Entry: e.Entry.WithField(FieldLocation, locationID)}
}

// WithConnection tags the entry with a stream connection id and, once a
// session has been established, its session number.
func (e *Entry) WithConnection(connectionID string, session int) *Entry {
	fields := logrus.Fields{FieldConnection: connectionID}
	if session > 0 {
		fields[FieldSession] = session
	}
	return &Entry{Entry: e.Entry.WithFields(fields)}
}

func (e *Entry) component() string {
	c, _ := e.Entry.Data[FieldComponent].(string)
	return c
}

func (e *Entry) Info(args ...interface{}) {
	e.Entry.Info(args...)
}

func (e *Entry) Debug(args ...interface{}) {
	e.Entry.Debug(args...)
}

func (e *Entry) Warn(args ...interface{}) {
	recordWarn(e.component())
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	recordError(e.component())
	e.Entry.Error(args...)
}

// LogMetric logs a metric line and forwards numeric values to CloudWatch.
// fields is not modified.
func (e *Entry) LogMetric(component string, metric string, value interface{}, metricType string, fields Fields) {
	if metricType == "" {
		metricType = "counter"
	}
	line := make(Fields, len(fields)+3)
	for k, v := range fields {
		line[k] = v
	}
	line["metric"] = metric
	line["value"] = value
	line["metric_type"] = metricType
	e.WithComponent(component).WithFields(line).Info("metric")

	val, ok := numericValue(value)
	if !ok {
		return
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(metric),
		Dimensions: metricDimensions(component, fields),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(val),
	}})
}

func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// metricDimensions turns the string fields into CloudWatch dimensions in key
// order, after the component dimension.
func metricDimensions(component string, fields Fields) []cwtypes.Dimension {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	dims := make([]cwtypes.Dimension, 0, len(keys)+1)
	dims = append(dims, cwtypes.Dimension{Name: aws.String(FieldComponent), Value: aws.String(component)})
	for _, k := range keys {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(fields[k].(string))})
	}
	return dims
}
