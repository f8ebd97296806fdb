package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/util"
)

type SlackLogger struct {
	webhookUrl string
	appName    string
	client     *http.Client
}

type slackMessage struct {
	Text string `json:"text"`
}

func NewSlackLogger(webhookUrl, appName string) *SlackLogger {
	client := util.RobustHTTPClient()
	client.Timeout = 5 * time.Second

	return &SlackLogger{
		webhookUrl: webhookUrl,
		appName:    appName,
		client:     client,
	}
}

func (l *SlackLogger) Name() string {
	return "slack"
}

// LogScan only reports server side failures; client errors are not actionable.
func (l *SlackLogger) LogScan(ctx context.Context, log *ScanLog) error {
	if log.StatusCode < 500 {
		return nil
	}

	msg := fmt.Sprintf(`%s scan failed
Request ID: %s
Status: %d
Error Kind: %s
Error: %s
Filename: %s
Size: %d
Engine: %s
Duration: %dms
Created At: %s`, l.appName, log.RequestID, log.StatusCode, log.ErrorKind.StringVal, log.ErrorMessage.StringVal,
		log.Filename, log.Size, log.Engine, log.DurationMs, log.CreatedAt.Format(time.RFC3339Nano))

	return l.log(ctx, msg)
}

func (l *SlackLogger) Close(context.Context) error {
	return nil
}

func (l *SlackLogger) log(ctx context.Context, msg string) error {
	// wrap in backticks so it looks nice
	msg = fmt.Sprintf("```\n%s\n```", msg)

	b, err := json.Marshal(slackMessage{Text: msg})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.webhookUrl, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
