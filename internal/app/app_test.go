package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/guest"
	"github.com/marginalia/framesync/pkg/types"
)

const page = `<html><head><title>Rivers</title></head>
<body><p>Rivers carve valleys over time.</p><p>Herons wait patiently in the shallows.</p></body></html>`

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newApp(t *testing.T, cfg *types.Config) *App {
	t.Helper()
	doc, err := document.Load("https://example.com/rivers", strings.NewReader(page))
	require.NoError(t, err)
	a, err := New(ctxT(t), doc, cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func quoted(uri, exact string) *types.Annotation {
	return &types.Annotation{
		URI: uri,
		Target: []types.Target{{
			Source:   uri,
			Selector: []types.Selector{{Type: types.TextQuoteSelector, Exact: exact}},
		}},
	}
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://example.com", originOf("https://example.com/a/b?c#d"))
	assert.Equal(t, "http://localhost:8080", originOf("http://localhost:8080/"))
	assert.Equal(t, "null", originOf("file.html"))
}

func TestApp_LoadAndStatus(t *testing.T) {
	a := newApp(t, nil)

	anns := []*types.Annotation{
		quoted("https://example.com/rivers", "Herons wait"),
		quoted("https://example.com/rivers", "penguins on the ice shelf"),
		{URI: "https://example.com/rivers", Target: []types.Target{{Source: "https://example.com/rivers"}}},
	}
	require.NoError(t, a.LoadAnnotations(ctxT(t), anns))

	status := a.Status()
	require.Len(t, status, 3)
	assert.Equal(t, StateAnchored, status[0].State)
	assert.Equal(t, "Herons wait", status[0].Quote)
	assert.Equal(t, 1, status[0].Highlights)
	assert.Equal(t, StateOrphan, status[1].State)
	assert.Equal(t, StatePageNote, status[2].State)
	assert.Equal(t, anns[0].Tag, status[0].Tag)

	assert.Len(t, a.Sidebar.Annotations(), 3)
	assert.Eventually(t, func() bool { return a.Host.AnnotationCount() == 3 }, time.Second, 10*time.Millisecond)
}

func TestApp_SubFrames(t *testing.T) {
	a := newApp(t, nil)

	sub, err := a.AddGuest(ctxT(t), document.New("https://example.com/notes", "Notes about herons."), "notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"", "notes"}, a.FrameIdentifiers())

	require.NoError(t, a.LoadAnnotations(ctxT(t), []*types.Annotation{
		quoted("https://example.com/rivers", "Herons wait"),
		quoted("https://example.com/notes", "about herons"),
	}))

	require.Len(t, a.Guest().Anchors(), 1)
	require.Len(t, sub.Anchors(), 1)
	assert.Equal(t, "about herons", sub.Anchors()[0].Target.Quote())

	_, err = a.AddGuest(ctxT(t), document.New("https://example.com/notes", ""), "notes")
	assert.Error(t, err)

	assert.True(t, a.RemoveGuest("notes"))
	assert.False(t, a.RemoveGuest("notes"))
	assert.Eventually(t, func() bool { return len(a.Sidebar.Frames()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestApp_AddGuestNeedsIdentifier(t *testing.T) {
	a := newApp(t, nil)
	_, err := a.AddGuest(ctxT(t), document.New("https://example.com/x", "x"), MainFrame)
	assert.Error(t, err)
}

func TestApp_ReloadDocument(t *testing.T) {
	a := newApp(t, nil)

	ann := quoted("https://example.com/rivers", "Herons wait")
	require.NoError(t, a.LoadAnnotations(ctxT(t), []*types.Annotation{ann}))
	before := a.Status()[0].Start

	updated := strings.Replace(page, "<body>", "<body><h1>Field notes</h1>", 1)
	require.NoError(t, a.ReloadDocument(ctxT(t), []byte(updated)))

	status := a.Status()
	require.Len(t, status, 1)
	assert.Equal(t, StateAnchored, status[0].State)
	assert.Greater(t, status[0].Start, before)
}

func TestApp_GuestCreatedAnnotationReachesSidebar(t *testing.T) {
	a := newApp(t, nil)
	g := a.Guest()
	doc := g.Document()

	start := strings.Index(doc.Text(), "patiently")
	r, err := doc.Range(start, start+len("patiently"))
	require.NoError(t, err)
	g.SelectionChanged(r)

	ann, err := g.CreateAnnotation(ctxT(t), guest.CreateOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := a.Sidebar.Annotation(ann.Tag)
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, a.Host.IsOpen, time.Second, 10*time.Millisecond)
	assert.Eventually(t, g.SideBySideActive, time.Second, 10*time.Millisecond)
}

func TestApp_AnchoringOptions(t *testing.T) {
	a := newApp(t, &types.Config{Anchoring: &types.AnchoringConfig{ContextLength: 8}})
	opts := a.AnchoringOptions()
	assert.Equal(t, 8, opts.ContextLength)
	assert.Equal(t, 0.4, opts.FuzzyThreshold)
}

func TestApp_HighlightsHiddenByConfig(t *testing.T) {
	a := newApp(t, &types.Config{ShowHighlights: "never"})
	assert.Eventually(t, func() bool { return !a.Guest().HighlightsVisible() }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Host.SetHighlightsVisible(true))
	assert.Eventually(t, a.Guest().HighlightsVisible, time.Second, 10*time.Millisecond)
}

func TestApp_BusForwardsComponentEvents(t *testing.T) {
	a := newApp(t, nil)

	var mu sync.Mutex
	seen := map[event.EventType]bool{}
	unsub := a.Bus().SubscribeAll(func(e event.Event) {
		mu.Lock()
		seen[e.Type] = true
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, a.LoadAnnotations(ctxT(t), []*types.Annotation{quoted("https://example.com/rivers", "Herons wait")}))
	require.NoError(t, a.Host.OpenSidebar())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[event.AnchorsChanged] && seen[event.AnnotationsLoaded] && seen[event.SidebarOpened]
	}, time.Second, 10*time.Millisecond)
}

func TestApp_StatusDuringReloads(t *testing.T) {
	a := newApp(t, nil)
	ctx := ctxT(t)

	load := func(exact string) error {
		ann := quoted("https://example.com/rivers", exact)
		ann.Tag = "t-herons"
		return a.LoadAnnotations(ctx, []*types.Annotation{ann})
	}
	require.NoError(t, load("Herons wait"))

	shifted := strings.Replace(page, "<body>", "<body><p>Herons wait first.</p>", 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			exact := "Herons wait"
			if i%2 == 0 {
				exact = "penguins on the ice shelf"
			}
			assert.NoError(t, load(exact))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			content := page
			if i%2 == 0 {
				content = shifted
			}
			assert.NoError(t, a.ReloadDocument(ctx, []byte(content)))
		}
	}()

	stop := make(chan struct{})
	go func() {
		wg.Wait()
		close(stop)
	}()
	for running := true; running; {
		select {
		case <-stop:
			running = false
		default:
		}
		for _, st := range a.Status() {
			assert.Equal(t, "t-herons", st.Tag)
		}
	}

	require.NoError(t, a.ReloadDocument(ctx, []byte(shifted)))
	status := a.Status()
	require.Len(t, status, 1)
	assert.Equal(t, StateAnchored, status[0].State)
	text := a.Guest().Document().Text()
	assert.Equal(t, strings.Index(text, "Herons wait"), status[0].Start)
	assert.Equal(t, "Herons wait", text[status[0].Start:status[0].End])
}
