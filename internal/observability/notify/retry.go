package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Deliver calls send up to retryLimit+1 times with a linear backoff between attempts.
func Deliver(ctx context.Context, retryLimit int, send func(context.Context) error) error {
	attempts := max(retryLimit, 0) + 1
	var lastErr error
	for attempt := range attempts {
		err := send(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// ReadResponse drains and closes resp. Non-2xx answers become an error naming sink.
func ReadResponse(sink string, resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if readErr != nil {
		return errors.Join(fmt.Errorf("read %s response: %w", sink, readErr), closeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s response body: %w", sink, closeErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", sink, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
