/*
Package event provides the observer registry used for notifications inside a
single frame.

Components never talk to each other through package-level state: a frame
builds one Bus and hands it to the components that share it (the guest, its
annotation synchronizer, the host-side broker listeners).

# Event Types

Guest Events:
  - anchors.changed: the anchor list was replaced
  - annotations.loaded: the sidebar pushed annotations into the frame
  - annotation.deleted: the sidebar removed an annotation
  - annotation.before-created: a new annotation is about to be anchored
  - selection.changed: the pending selection became (un)available
  - scroll.range: cancelable notification before scrolling to an anchor

Host Events:
  - port.host-request: a guest-host endpoint is available to host code
  - sidebar.opened / sidebar.closed
  - highlights.visible

Sidebar Events:
  - frame.connected / frame.destroyed

# Dispatch

PublishSync calls subscribers in the publisher's goroutine, typed subscribers
first and then global ones, each group in subscription order. Publish calls
every subscriber in its own goroutine.

Subscribers called through PublishSync must not block and must not acquire
locks the publisher may hold.

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.AnchorsChanged, func(e event.Event) {
		data := e.Data.(event.AnchorsChangedData)
		logging.Debug().Int("anchors", data.Count).Msg("anchors changed")
	})
	defer unsubscribe()

Unsubscribing rebuilds the subscriber slice, so it is safe to unsubscribe from
inside a subscriber.
*/
package event
