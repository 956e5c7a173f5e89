package portfinder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginalia/framesync/internal/envelope"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/port"
	"github.com/marginalia/framesync/internal/portprovider"
)

func TestFinder_Discover(t *testing.T) {
	host := frame.New("https://example.com")
	defer host.Close()
	provider := portprovider.New(host, "https://apps.example.com")
	provider.Listen()
	defer provider.Destroy()

	sidebar := frame.New("https://apps.example.com")
	defer sidebar.Close()

	ep, err := New(sidebar, host, envelope.Sidebar).Discover(context.Background(), envelope.HostSidebar)
	require.NoError(t, err)
	require.NotNil(t, ep)

	received := make(chan port.Message, 1)
	hostPort := provider.GetPort(envelope.HostSidebar, envelope.Host)
	hostPort.AddListener(func(m port.Message) { received <- m })
	require.NoError(t, hostPort.Start())
	require.NoError(t, ep.PostMessage("ready"))

	select {
	case m := <-received:
		assert.JSONEq(t, `"ready"`, string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("host did not receive message")
	}
}

func TestFinder_RetriesUntilProviderListens(t *testing.T) {
	host := frame.New("https://example.com")
	defer host.Close()
	provider := portprovider.New(host, "https://apps.example.com")
	defer provider.Destroy()

	guest := frame.New("https://example.com")
	defer guest.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		provider.Listen()
	}()

	ep, err := New(guest, host, envelope.Guest).Discover(context.Background(), envelope.GuestSidebar)
	require.NoError(t, err)
	assert.NotNil(t, ep)
	assert.Equal(t, 1, provider.Channels()[envelope.GuestSidebar])
}

func TestFinder_Timeout(t *testing.T) {
	host := frame.New("https://example.com")
	defer host.Close()
	guest := frame.New("https://example.com")
	defer guest.Close()

	f := New(guest, host, envelope.Guest)
	f.Timeout = 100 * time.Millisecond

	_, err := f.Discover(context.Background(), envelope.GuestHost)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFinder_ContextCanceled(t *testing.T) {
	host := frame.New("https://example.com")
	defer host.Close()
	guest := frame.New("https://example.com")
	defer guest.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(guest, host, envelope.Guest).Discover(ctx, envelope.GuestHost)
	assert.ErrorIs(t, err, ErrTimeout)
}
