package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

const defaultURLHistory = 512

type fetchFunc func(ctx context.Context, id network.RequestID) ([]byte, error)

type captureResult struct {
	body []byte
	err  error
}

// capture tracks request URLs seen by the tab and, while armed, the body of
// the first response whose URL satisfies a matcher.
type capture struct {
	ctx          context.Context
	fetch        fetchFunc
	fetchTimeout time.Duration
	maxURLs      int

	mu        sync.Mutex
	urls      []string
	match     func(url string) bool
	requestID network.RequestID
	done      chan captureResult
}

func newCapture(ctx context.Context, fetch fetchFunc, maxURLs int) *capture {
	if maxURLs <= 0 {
		maxURLs = defaultURLHistory
	}
	return &capture{ctx: ctx, fetch: fetch, fetchTimeout: 10 * time.Second, maxURLs: maxURLs}
}

// arm starts watching for a response accepted by match, replacing any prior arm.
func (c *capture) arm(match func(url string) bool) <-chan captureResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.match = match
	c.requestID = ""
	c.done = make(chan captureResult, 1)
	return c.done
}

func (c *capture) disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.match = nil
	c.requestID = ""
	c.done = nil
}

func (c *capture) observed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

func (c *capture) remember(url string) {
	if url == "" {
		return
	}
	if len(c.urls) >= c.maxURLs {
		copy(c.urls, c.urls[1:])
		c.urls = c.urls[:len(c.urls)-1]
	}
	c.urls = append(c.urls, url)
}

// onEvent is registered with chromedp.ListenTarget. It must not block, so the
// body fetch runs on its own goroutine.
func (c *capture) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		c.mu.Lock()
		c.remember(e.Request.URL)
		c.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		c.mu.Lock()
		c.remember(e.Response.URL)
		if c.done != nil && c.requestID == "" && c.match != nil && c.match(e.Response.URL) {
			c.requestID = e.RequestID
		}
		c.mu.Unlock()
	case *network.EventLoadingFinished:
		c.mu.Lock()
		done := c.armed(e.RequestID)
		c.mu.Unlock()
		if done == nil {
			return
		}
		go c.deliver(done, e.RequestID)
	case *network.EventLoadingFailed:
		c.mu.Lock()
		done := c.armed(e.RequestID)
		c.mu.Unlock()
		if done == nil {
			return
		}
		send(done, captureResult{err: errors.New("intercepted response failed: " + e.ErrorText)})
	}
}

// armed returns the armed channel when id is the captured request. Caller holds mu.
func (c *capture) armed(id network.RequestID) chan captureResult {
	if c.done == nil || c.requestID == "" || c.requestID != id {
		return nil
	}
	return c.done
}

func (c *capture) deliver(done chan captureResult, id network.RequestID) {
	if c.fetch == nil {
		send(done, captureResult{err: errors.New("response body fetch not configured")})
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()
	body, err := c.fetch(ctx, id)
	send(done, captureResult{body: body, err: err})
}

func send(done chan captureResult, res captureResult) {
	select {
	case done <- res:
	default:
	}
}
