/*
Package events provides an in-memory broker for run events.

The reconciler publishes one event per phase of a run (scan completed,
issue detected, repair performed or failed, rollback, verification, run
completed). Subscribers receive every event on a buffered channel.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Node, ev.Message)
		}
	}()

Delivery is best effort. Publish never blocks: when the broker queue is
full the event is dropped and counted (see Dropped), and a subscriber
whose buffer is full misses the event. Unsubscribe closes the channel.
*/
package events
