package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/valuebridge/bridge-node/log"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var timeNowFunc = time.Now

// Alert is an event that needs an operator
type Alert struct {
	Severity Severity `json:"severity"`
	// Source is the name of the watcher raising the alert
	Source  string `json:"source"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

// New builds an alert stamped with the current time
func New(severity Severity, source, title, message string) Alert {
	return Alert{
		Severity: severity,
		Source:   source,
		Title:    title,
		Message:  message,
		Time:     timeNowFunc().Unix(),
	}
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s: %s: %s", a.Severity, a.Source, a.Title, a.Message)
}

// Sink receives alerts
type Sink interface {
	Alert(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the log
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Alert(_ context.Context, a Alert) error {
	if a.Severity == SeverityCritical {
		s.logger.Errorw("alert", "source", a.Source, "title", a.Title, "message", a.Message)
	} else {
		s.logger.Warnw("alert", "source", a.Source, "title", a.Title, "message", a.Message)
	}
	return nil
}

// Publisher is the part of a NATS connection the sink needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes alerts as JSON on a subject
type NATSSink struct {
	pub     Publisher
	subject string
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Alert(_ context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("error encoding alert: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("error publishing alert: %w", err)
	}
	return nil
}

// Multi fans an alert out to every sink, returning all their errors
type Multi []Sink

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Alert(ctx, a); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
