package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginalia/framesync/internal/port"
)

// connect links two bridges over a fresh pair.
func connect(t *testing.T, a, b *Bridge) (*Link, *Link) {
	t.Helper()
	pair := port.NewPair()
	la, err := a.CreateChannel(pair.Port1)
	require.NoError(t, err)
	lb, err := b.CreateChannel(pair.Port2)
	require.NoError(t, err)
	return la, lb
}

func TestBridge_Notify(t *testing.T) {
	sidebar, guest := New(), New()
	defer sidebar.Destroy()
	defer guest.Destroy()

	got := make(chan []string, 1)
	guest.On("focusAnnotations", func(ctx context.Context, call *Call) (any, error) {
		var tags []string
		if err := call.Arg(0, &tags); err != nil {
			return nil, err
		}
		got <- tags
		return nil, nil
	})
	connect(t, sidebar, guest)

	require.NoError(t, sidebar.Call("focusAnnotations", []string{"t1", "t2"}))

	select {
	case tags := <-got:
		assert.Equal(t, []string{"t1", "t2"}, tags)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestBridge_CallWithReplyPerPeer(t *testing.T) {
	sidebar := New()
	defer sidebar.Destroy()

	for _, uri := range []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"} {
		uri := uri
		guest := New()
		defer guest.Destroy()
		guest.On("getDocumentInfo", func(ctx context.Context, call *Call) (any, error) {
			return map[string]string{"uri": uri}, nil
		})
		connect(t, sidebar, guest)
	}

	var mu sync.Mutex
	var uris []string
	err := sidebar.CallWithReply("getDocumentInfo", nil, func(link *Link, result json.RawMessage, err error) {
		assert.NoError(t, err)
		var info struct{ URI string }
		assert.NoError(t, json.Unmarshal(result, &info))
		mu.Lock()
		defer mu.Unlock()
		uris = append(uris, info.URI)
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(uris) == 3
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"}, uris)
}

func TestBridge_CallAll(t *testing.T) {
	sidebar := New()
	defer sidebar.Destroy()

	for i := 0; i < 2; i++ {
		i := i
		guest := New()
		defer guest.Destroy()
		guest.On("count", func(ctx context.Context, call *Call) (any, error) {
			return i, nil
		})
		connect(t, sidebar, guest)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	replies, err := sidebar.CallAll(ctx, "count")
	require.NoError(t, err)
	require.Len(t, replies, 2)

	var values []int
	for _, r := range replies {
		require.NoError(t, r.Err)
		var n int
		require.NoError(t, json.Unmarshal(r.Result, &n))
		values = append(values, n)
	}
	assert.ElementsMatch(t, []int{0, 1}, values)
}

func TestBridge_RemoteError(t *testing.T) {
	host, sidebar := New(), New()
	defer host.Destroy()
	defer sidebar.Destroy()

	sidebar.On("fail", func(ctx context.Context, call *Call) (any, error) {
		return nil, errors.New("boom")
	})
	link, _ := connect(t, host, sidebar)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := link.Request(ctx, "fail")

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, InternalError, re.Code)
	assert.Equal(t, "boom", re.Message)
}

func TestBridge_MissingArgument(t *testing.T) {
	a, b := New(), New()
	defer a.Destroy()
	defer b.Destroy()

	b.On("scrollToAnnotation", func(ctx context.Context, call *Call) (any, error) {
		var tag string
		return nil, call.Arg(0, &tag)
	})
	link, _ := connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := link.Request(ctx, "scrollToAnnotation")

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, InvalidParams, re.Code)
}

func TestBridge_UnknownMethodIsIgnored(t *testing.T) {
	a, b := New(), New()
	defer a.Destroy()
	defer b.Destroy()

	pinged := make(chan struct{}, 1)
	b.On("ping", func(ctx context.Context, call *Call) (any, error) {
		pinged <- struct{}{}
		return "pong", nil
	})
	link, _ := connect(t, a, b)

	var replied atomic.Bool
	require.NoError(t, link.CallWithReply("nope", nil, func(json.RawMessage, error) {
		replied.Store(true)
	}))
	require.NoError(t, link.Call("ping"))

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("peer stopped serving after unknown method")
	}
	time.Sleep(20 * time.Millisecond)
	assert.False(t, replied.Load())
}

func TestBridge_OrderedPerLink(t *testing.T) {
	a, b := New(), New()
	defer a.Destroy()
	defer b.Destroy()

	var mu sync.Mutex
	var seen []int
	b.On("seq", func(ctx context.Context, call *Call) (any, error) {
		var n int
		if err := call.Arg(0, &n); err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
		return nil, nil
	})
	link, _ := connect(t, a, b)

	for i := 0; i < 50; i++ {
		require.NoError(t, link.Call("seq", i))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	}, time.Second, 5*time.Millisecond)
	for i, n := range seen {
		assert.Equal(t, i, n)
	}
}

func TestBridge_HandlerMayWaitOnSamePeer(t *testing.T) {
	sidebar, guest := New(), New()
	defer sidebar.Destroy()
	defer guest.Destroy()

	guest.On("getDocumentInfo", func(ctx context.Context, call *Call) (any, error) {
		return "https://example.com", nil
	})
	sidebar.On("createAnnotation", func(ctx context.Context, call *Call) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		raw, err := call.Link.Request(ctx, "getDocumentInfo")
		if err != nil {
			return nil, err
		}
		var uri string
		if err := json.Unmarshal(raw, &uri); err != nil {
			return nil, err
		}
		return uri, nil
	})
	link, _ := connect(t, guest, sidebar)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := link.Request(ctx, "createAnnotation")
	require.NoError(t, err)
	assert.JSONEq(t, `"https://example.com"`, string(raw))
}

func TestBridge_IgnoresForeignTraffic(t *testing.T) {
	a, b := New(), New()
	defer a.Destroy()
	defer b.Destroy()

	called := make(chan struct{}, 1)
	b.On("ping", func(ctx context.Context, call *Call) (any, error) {
		called <- struct{}{}
		return nil, nil
	})

	pair := port.NewPair()
	_, err := b.CreateChannel(pair.Port2)
	require.NoError(t, err)

	require.NoError(t, pair.Port1.PostMessage(json.RawMessage(`{"channel":"guest-sidebar","port":"guest","type":"offer","source":"hypothesis"}`)))
	require.NoError(t, pair.Port1.PostMessage(json.RawMessage(`{"method":"ping"}`)))
	require.NoError(t, pair.Port1.PostMessage(json.RawMessage(`{"jsonrpc":"2.0","method":"ping"}`)))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("valid call not handled")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, called, 0)
}

func TestBridge_DestroyDiscardsPendingReplies(t *testing.T) {
	a, b := New(), New()
	defer b.Destroy()

	release := make(chan struct{})
	b.On("slow", func(ctx context.Context, call *Call) (any, error) {
		<-release
		return "late", nil
	})
	link, _ := connect(t, a, b)

	var invoked atomic.Bool
	require.NoError(t, link.CallWithReply("slow", nil, func(json.RawMessage, error) {
		invoked.Store(true)
	}))

	a.Destroy()
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, invoked.Load())
	assert.Empty(t, a.Links())
	assert.ErrorIs(t, a.Call("anything"), ErrDestroyed)
	_, err := a.CreateChannel(port.NewPair().Port1)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestBridge_DuplicateHandlerPanics(t *testing.T) {
	b := New()
	defer b.Destroy()
	b.On("x", func(ctx context.Context, call *Call) (any, error) { return nil, nil })
	assert.Panics(t, func() {
		b.On("x", func(ctx context.Context, call *Call) (any, error) { return nil, nil })
	})
}
