package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestCaptureDeliversMatchingBody(t *testing.T) {
	t.Parallel()

	var fetched network.RequestID
	c := newCapture(context.Background(), func(_ context.Context, id network.RequestID) ([]byte, error) {
		fetched = id
		return []byte(`{"shoppingResult":{"products":[]}}`), nil
	}, 8)

	done := c.arm(urlContains("/api/search/all"))
	c.onEvent(&network.EventRequestWillBeSent{RequestID: "7", Request: &network.Request{URL: "https://shop.test/api/search/all?pagingIndex=2"}})
	c.onEvent(&network.EventResponseReceived{RequestID: "6", Response: &network.Response{URL: "https://shop.test/static/app.js"}})
	c.onEvent(&network.EventResponseReceived{RequestID: "7", Response: &network.Response{URL: "https://shop.test/api/search/all?pagingIndex=2"}})
	c.onEvent(&network.EventLoadingFinished{RequestID: "6"})
	c.onEvent(&network.EventLoadingFinished{RequestID: "7"})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Contains(t, string(res.body), "shoppingResult")
	case <-time.After(2 * time.Second):
		t.Fatal("capture never delivered")
	}
	require.Equal(t, network.RequestID("7"), fetched)
	require.Len(t, c.observed(), 3)
}

func TestCaptureSkipsResponsesRejectedByMatcher(t *testing.T) {
	t.Parallel()

	var fetched []network.RequestID
	c := newCapture(context.Background(), func(_ context.Context, id network.RequestID) ([]byte, error) {
		fetched = append(fetched, id)
		return []byte(`{"page":3}`), nil
	}, 8)

	done := c.arm(func(u string) bool { return strings.HasSuffix(u, "pagingIndex=3") })
	c.onEvent(&network.EventResponseReceived{RequestID: "8", Response: &network.Response{URL: "https://shop.test/api/search/all?pagingIndex=2"}})
	c.onEvent(&network.EventLoadingFinished{RequestID: "8"})
	c.onEvent(&network.EventResponseReceived{RequestID: "9", Response: &network.Response{URL: "https://shop.test/api/search/all?pagingIndex=3"}})
	c.onEvent(&network.EventLoadingFinished{RequestID: "9"})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.JSONEq(t, `{"page":3}`, string(res.body))
	case <-time.After(2 * time.Second):
		t.Fatal("capture never delivered")
	}
	require.Equal(t, []network.RequestID{"9"}, fetched)
}

func TestCaptureIgnoresEventsWhenDisarmed(t *testing.T) {
	t.Parallel()

	calls := 0
	c := newCapture(context.Background(), func(context.Context, network.RequestID) ([]byte, error) {
		calls++
		return nil, nil
	}, 8)
	c.onEvent(&network.EventResponseReceived{RequestID: "1", Response: &network.Response{URL: "https://shop.test/api/search/all"}})
	c.onEvent(&network.EventLoadingFinished{RequestID: "1"})

	done := c.arm(urlContains("/api/search/all"))
	c.disarm()
	c.onEvent(&network.EventResponseReceived{RequestID: "2", Response: &network.Response{URL: "https://shop.test/api/search/all"}})
	c.onEvent(&network.EventLoadingFinished{RequestID: "2"})

	select {
	case <-done:
		t.Fatal("disarmed capture delivered")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, calls)
}

func TestCaptureReportsLoadingFailure(t *testing.T) {
	t.Parallel()

	c := newCapture(context.Background(), nil, 8)
	done := c.arm(urlContains("/api/"))
	c.onEvent(&network.EventResponseReceived{RequestID: "3", Response: &network.Response{URL: "https://shop.test/api/x"}})
	c.onEvent(&network.EventLoadingFailed{RequestID: "3", ErrorText: "net::ERR_ABORTED"})

	res := <-done
	require.ErrorContains(t, res.err, "ERR_ABORTED")
}

func TestCaptureFetchErrorPropagates(t *testing.T) {
	t.Parallel()

	c := newCapture(context.Background(), func(context.Context, network.RequestID) ([]byte, error) {
		return nil, errors.New("No resource with given identifier found")
	}, 8)
	done := c.arm(urlContains("/api/"))
	c.onEvent(&network.EventResponseReceived{RequestID: "4", Response: &network.Response{URL: "https://shop.test/api/y"}})
	c.onEvent(&network.EventLoadingFinished{RequestID: "4"})

	select {
	case res := <-done:
		require.Error(t, res.err)
	case <-time.After(2 * time.Second):
		t.Fatal("capture never delivered")
	}
}

func TestObservedURLsAreBounded(t *testing.T) {
	t.Parallel()

	c := newCapture(context.Background(), nil, 3)
	for i := 0; i < 5; i++ {
		c.onEvent(&network.EventRequestWillBeSent{Request: &network.Request{URL: fmt.Sprintf("https://shop.test/%d", i)}})
	}
	require.Equal(t, []string{"https://shop.test/2", "https://shop.test/3", "https://shop.test/4"}, c.observed())
}

func TestRandDurationBounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		d := randDuration(80*time.Millisecond, 220*time.Millisecond)
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 220*time.Millisecond)
	}
	require.Equal(t, time.Second, randDuration(time.Second, time.Second))
	require.Equal(t, time.Second, randDuration(time.Second, 0))
}

func TestFactoryProfilePerSlot(t *testing.T) {
	t.Parallel()

	f := NewFactory(Config{ProfileDir: "/var/lib/rankwatch/profiles", Headless: true, UserAgent: "ua"}, nil)
	require.Equal(t, filepath.Join("/var/lib/rankwatch/profiles", "slot-3"), f.ProfilePath(3))
	require.NotEqual(t, f.ProfilePath(0), f.ProfilePath(1))
	require.Len(t, f.allocatorOptions(0), len(NewFactory(Config{Headless: true}, nil).allocatorOptions(0))+1)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, "profiles", cfg.ProfileDir)
	require.Equal(t, 45*time.Second, cfg.NavTimeout)
	require.Equal(t, 10*time.Second, cfg.ActionTimeout)
	require.Equal(t, 1366, cfg.WindowWidth)
}

func urlContains(substr string) func(string) bool {
	return func(u string) bool { return strings.Contains(u, substr) }
}
