// Package surface defines the browser capabilities the export core consumes.
//
// Page-side work goes through Invoke with an Op from a closed set; each op
// has fixed behaviour in the implementation and takes its parameters as
// arguments, so callers never ship script source across the boundary.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dex/internal/poll"
)

// ErrUnknownOp is returned by implementations for an op outside the set.
var ErrUnknownOp = errors.New("unknown remote operation")

// Surface is the browser session owned by one worker.
type Surface interface {
	poll.Clock

	Navigate(ctx context.Context, url string) error
	Invoke(ctx context.Context, op Op) (json.RawMessage, error)

	// Reveal shows the browser to the user; Hide returns to headless work.
	Reveal(ctx context.Context) error
	Hide(ctx context.Context) error
	Visible() bool

	// Capture records response bodies whose URL contains pattern under key.
	Capture(key, pattern string)
	Captured(key string) (Capture, bool)
}

// Capture is a network response recorded by the surface.
type Capture struct {
	Key  string
	URL  string
	Body []byte
	At   time.Time
}

// OpName names a remote operation.
type OpName string

const (
	OpTitle          OpName = "title"
	OpURL            OpName = "url"
	OpOuterHTML      OpName = "outerHTML"
	OpCount          OpName = "count"
	OpClick          OpName = "click"
	OpScrollToBottom OpName = "scrollToBottom"
	OpScrollHeight   OpName = "scrollHeight"
	OpFetch          OpName = "fetch"
	OpCookie         OpName = "cookie"
)

// Ops lists every operation an implementation must support.
func Ops() []OpName {
	return []OpName{
		OpTitle, OpURL, OpOuterHTML, OpCount, OpClick,
		OpScrollToBottom, OpScrollHeight, OpFetch, OpCookie,
	}
}

// Op is one remote invocation.
type Op struct {
	Name OpName
	Args []any
}

// Background reports whether the op may run alongside other background ops
// without holding the page exclusively.
func (o Op) Background() bool {
	return o.Name == OpFetch
}

// FetchRequest is an HTTP request issued from inside the page, so it carries
// the session's cookies.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResponse is the result of OpFetch.
type FetchResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// HTTPError reports a non-2xx in-page fetch.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
}

func invoke[T any](ctx context.Context, s Surface, name OpName, args ...any) (T, error) {
	var out T
	raw, err := s.Invoke(ctx, Op{Name: name, Args: args})
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s: decode result: %w", name, err)
	}
	return out, nil
}

// Title returns document.title.
func Title(ctx context.Context, s Surface) (string, error) {
	return invoke[string](ctx, s, OpTitle)
}

// URL returns the current location.
func URL(ctx context.Context, s Surface) (string, error) {
	return invoke[string](ctx, s, OpURL)
}

// OuterHTML returns the outer HTML of the first element matching selector,
// or "" when nothing matches.
func OuterHTML(ctx context.Context, s Surface, selector string) (string, error) {
	return invoke[string](ctx, s, OpOuterHTML, selector)
}

// Count returns how many elements match selector.
func Count(ctx context.Context, s Surface, selector string) (int, error) {
	return invoke[int](ctx, s, OpCount, selector)
}

// Click clicks the first element matching selector and reports whether one existed.
func Click(ctx context.Context, s Surface, selector string) (bool, error) {
	return invoke[bool](ctx, s, OpClick, selector)
}

// ScrollToBottom scrolls the window to the end and returns the new scroll height.
func ScrollToBottom(ctx context.Context, s Surface) (int, error) {
	return invoke[int](ctx, s, OpScrollToBottom)
}

// ScrollHeight returns document.body.scrollHeight.
func ScrollHeight(ctx context.Context, s Surface) (int, error) {
	return invoke[int](ctx, s, OpScrollHeight)
}

// Cookie returns the value of the named cookie for the current page, or "".
func Cookie(ctx context.Context, s Surface, name string) (string, error) {
	return invoke[string](ctx, s, OpCookie, name)
}

// Fetch issues req from inside the page.
func Fetch(ctx context.Context, s Surface, req FetchRequest) (FetchResponse, error) {
	if req.Method == "" {
		req.Method = "GET"
	}
	return invoke[FetchResponse](ctx, s, OpFetch, req)
}

// FetchJSON issues req and decodes a 2xx JSON body into v.
func FetchJSON(ctx context.Context, s Surface, req FetchRequest, v any) error {
	resp, err := Fetch(ctx, s, req)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return &HTTPError{URL: req.URL, Status: resp.Status}
	}
	if err := json.Unmarshal([]byte(resp.Body), v); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL, err)
	}
	return nil
}
