package dumpfetch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"
)

// ETag fetches the current entity tag for a source URL. Checkpoints store
// this and compare it before trusting a resume offset.
//
// file:// sources have no ETag; the file's mtime stands in for one, which
// catches the common case of a dump replaced on disk between runs.
func ETag(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("dumpfetch: parse url: %w", err)
	}
	if parsed.Scheme == "file" {
		st, err := os.Stat(parsed.Path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("file-mtime-%d", st.ModTime().UnixNano()), nil
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := newClient(Options{Timeout: timeout})
	client.SetDoNotParseResponse(false)

	resp, err := client.R().SetContext(ctx).Head(rawURL)
	if err != nil {
		return "", fmt.Errorf("dumpfetch: HEAD %s: %w", rawURL, err)
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("%w: %d for HEAD %s", ErrFatalStatus, resp.StatusCode(), rawURL)
	}
	return resp.Header().Get("ETag"), nil
}
