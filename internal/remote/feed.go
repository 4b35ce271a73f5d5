package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ldi/claimdeck/pkg/models"
)

const (
	feedBuffer  = 64
	changeEvent = "change"
)

// Subscribe opens the server-sent event feed. The channel closes when the
// stream ends, ctx is cancelled, cancel is called or the client is closed.
func (c *Client) Subscribe(ctx context.Context) (<-chan models.ChangeEvent, func(), error) {
	if c.ctx.Err() != nil {
		return nil, nil, models.Wrap(models.ErrNetwork, "", errClosed)
	}

	sctx, cancelCtx := context.WithCancel(ctx)
	unregister := context.AfterFunc(c.ctx, cancelCtx)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unregister()
			cancelCtx()
		})
	}

	req, err := c.newRequest(sctx, request{method: http.MethodGet, path: "/feed"})
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout on c.http.
	stream := *c.http
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		cancel()
		return nil, nil, models.Wrap(models.ErrNetwork, "", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, nil, decodeError(resp, "")
	}

	out := make(chan models.ChangeEvent, feedBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		err := readEvents(resp.Body, func(name, data string) bool {
			if name != changeEvent {
				return true
			}
			var ev models.ChangeEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				c.logger.Warn().Err(err).Str("data", data).Msg("dropping malformed feed event")
				return true
			}
			select {
			case out <- ev:
				return true
			case <-sctx.Done():
				return false
			}
		})
		if err != nil && sctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("feed stream ended")
		}
	}()
	return out, cancel, nil
}

// readEvents parses a text/event-stream body, calling emit for each
// complete event until emit returns false or the stream ends.
func readEvents(r io.Reader, emit func(name, data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var name string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				ev := name
				if ev == "" {
					ev = "message"
				}
				if !emit(ev, strings.Join(data, "\n")) {
					return nil
				}
			}
			name, data = "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}
