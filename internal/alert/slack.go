// internal/alert/slack.go
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// Level is an alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

var levelRank = map[Level]int{
	LevelInfo:     0,
	LevelWarning:  1,
	LevelError:    2,
	LevelCritical: 3,
}

var levelColor = map[Level]string{
	LevelInfo:     "#36a64f",
	LevelWarning:  "#ffcc00",
	LevelError:    "#ff9900",
	LevelCritical: "#ff0000",
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelWarning, LevelError, LevelCritical:
		return Level(s)
	default:
		return LevelInfo
	}
}

// Notifier delivers alerts to a Slack webhook. Delivery is best-effort:
// failures are logged and never reach the submission path.
type Notifier struct {
	webhookURL string
	minLevel   Level
	client     *http.Client
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// NewNotifier creates a notifier. An empty webhook URL disables delivery;
// Send becomes a no-op.
func NewNotifier(webhookURL string, minLevel Level, logger *logging.Logger, m *metrics.Metrics) *Notifier {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LevelInfo
	}
	return &Notifier{
		webhookURL: webhookURL,
		minLevel:   minLevel,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.WithField("component", "alert"),
		metrics:    m,
	}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	TS     int64        `json:"ts"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

// Send delivers one alert. Alerts below the configured minimum level are
// dropped silently.
func (n *Notifier) Send(ctx context.Context, level Level, message string, details map[string]interface{}) error {
	if n.webhookURL == "" {
		return nil
	}
	if levelRank[level] < levelRank[n.minLevel] {
		return nil
	}

	fields := make([]slackField, 0, len(details))
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprint(details[k]), Short: true})
	}

	payload, err := json.Marshal(slackPayload{
		Attachments: []slackAttachment{{
			Color:  levelColor[level],
			Title:  fmt.Sprintf("[%s] txpilot", level),
			Text:   message,
			Fields: fields,
			TS:     time.Now().Unix(),
		}},
	})
	if err != nil {
		return errors.Wrap(err, "encoding alert payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "building alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.recordAlert(level, false)
		n.logger.WithError(err).Warn("alert delivery failed", "level", string(level))
		return errors.Wrap(err, "delivering alert")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		n.recordAlert(level, false)
		n.logger.Warn("alert delivery rejected", "level", string(level), "status", resp.StatusCode)
		return errors.New(fmt.Sprintf("slack webhook returned status %d", resp.StatusCode))
	}

	n.recordAlert(level, true)
	return nil
}

func (n *Notifier) recordAlert(level Level, ok bool) {
	if n.metrics != nil {
		n.metrics.RecordAlert(string(level), ok)
	}
}
