/*
Package event provides the lifecycle event bus of the sync engine.

The bus is built on top of watermill's gochannel. In-process subscribers are
called directly so that event data keeps its Go type, and every event is also
mirrored as a JSON message on a watermill topic named after the event type.

# Event Types

Channel Events:
  - channel.created: A channel was registered or created by its first publish
  - channel.updated: A publish produced a sequenced patch
  - channel.removed: A channel was unregistered

Session Events:
  - session.opened: A client session was registered
  - session.draining: A session overflowed or saw a gap and dropped its queue
  - session.resynced: A session was loaded with a snapshot or a backlog
  - session.closed: A session reached Closed

# Basic Usage

	bus := event.NewBus()
	defer bus.Close()

	unsub := bus.Subscribe(event.ChannelUpdated, func(e event.Event) {
		data := e.Data.(event.ChannelUpdatedData)
		fmt.Println(data.Channel, data.Sequence)
	})
	defer unsub()

	bus.Publish(event.Event{
		Type: event.ChannelUpdated,
		Data: event.ChannelUpdatedData{Channel: "count", Sequence: 1},
	})

Publish calls each subscriber in its own goroutine. PublishSync calls them in
order on the caller's goroutine.

# Watermill Topics

	messages, err := bus.Messages(ctx, event.SessionClosed)
	for msg := range messages {
		// msg.Payload is the JSON encoding of the Event
		msg.Ack()
	}

AllMessages merges the topics of every event type into one channel. The
server's /event stream is built on it.

Messages published while no topic reader exists are dropped.
*/
package event
