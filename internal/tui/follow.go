package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mattjoyce/stagehand/internal/events"
)

// Follow connects to the API's /events stream and calls fn for every
// notification until ctx ends or the server closes the stream. stageID
// narrows the stream when set; lastID resumes after a known event.
func Follow(ctx context.Context, client *http.Client, apiURL, apiKey, stageID string, lastID int64, fn func(events.Notification)) error {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(strings.TrimSuffix(apiURL, "/") + "/events")
	if err != nil {
		return fmt.Errorf("invalid API URL %q: %w", apiURL, err)
	}
	if stageID != "" {
		q := u.Query()
		q.Set("stage_id", stageID)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var current struct {
		id   int64
		typ  string
		data string
	}
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.data != "" {
				var n events.Notification
				if err := json.Unmarshal([]byte(current.data), &n); err != nil {
					n = events.Notification{Data: json.RawMessage(strconv.Quote(current.data))}
				}
				if n.ID == 0 {
					n.ID = current.id
				}
				if n.Type == "" {
					n.Type = current.typ
				}
				fn(n)
			}
			current.id, current.typ, current.data = 0, "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.id = id
			}
		case strings.HasPrefix(line, "event: "):
			current.typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.data = line[6:]
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

// RenderNotification formats one streamed notification as a single line.
func RenderNotification(theme Theme, n events.Notification) string {
	typ := theme.Header.Render(n.Type)
	switch {
	case strings.HasSuffix(n.Type, "failed"):
		typ = theme.Error.Render(n.Type)
	case strings.HasSuffix(n.Type, "skipped"), strings.HasSuffix(n.Type, "force_destroyed"):
		typ = theme.Warn.Render(n.Type)
	}

	line := fmt.Sprintf("%s %s", theme.Dim.Render(n.At.Local().Format("15:04:05")), typ)
	if n.StageID != "" {
		line += " " + theme.Highlight.Render(n.StageID)
	}
	if len(n.Data) > 0 && string(n.Data) != "{}" {
		line += " " + theme.Dim.Render(string(n.Data))
	}
	return line
}
