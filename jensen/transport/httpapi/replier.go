package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
)

// collector buffers an exchange for a single JSON response.
type collector struct {
	segments []string
	notices  []string
}

func (c *collector) Typing(context.Context) error { return nil }

func (c *collector) Notice(_ context.Context, text string) error {
	c.notices = append(c.notices, text)
	return nil
}

func (c *collector) Segment(_ context.Context, text string) error {
	c.segments = append(c.segments, text)
	return nil
}

func (c *collector) segmentsOrEmpty() []string {
	if c.segments == nil {
		return []string{}
	}
	return c.segments
}

// sseReplier writes every segment and notice as its own event. A failed
// flush means the client went away and aborts the exchange.
type sseReplier struct {
	w *bufio.Writer
}

func (r *sseReplier) Typing(context.Context) error {
	// Comment lines keep proxies from timing out the stream.
	if _, err := r.w.WriteString(": typing\n\n"); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *sseReplier) Notice(_ context.Context, text string) error {
	return writeEvent(r.w, "notice", map[string]string{"text": text})
}

func (r *sseReplier) Segment(_ context.Context, text string) error {
	return writeEvent(r.w, "segment", map[string]string{"text": text})
}

func writeEvent(w *bufio.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
