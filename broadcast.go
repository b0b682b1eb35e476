// Package broadcast provides a Go client for server-pushed change
// notifications over WebSocket.
//
// A broadcast server pushes JSON events shaped as
// {"channel": ..., "event": ..., "payload": ...}. The client keeps one
// connection open, reconnects with exponential backoff when it drops, and
// fans each event out to the handlers subscribed to its channel. The feed is
// advisory: transport failures never surface as errors to callers, only as
// [State] changes.
//
// # Thread Safety
//
// [Client], [Registry] and [Scope] are safe for concurrent use by multiple
// goroutines. Handlers for one connection run on that connection's read
// goroutine in arrival order and may subscribe, unsubscribe, emit or close
// from inside the callback.
//
// # Basic Usage
//
//	client := broadcast.Connect("ws://localhost:8000/ws/broadcast",
//	    broadcast.WithLogger(slog.Default()),
//	)
//	defer client.Close()
//
//	unsubscribe := client.Subscribe("order", func(ev broadcast.Event) {
//	    fmt.Println(ev.Event, string(ev.Payload))
//	})
//	defer unsubscribe()
//
//	client.OnStateChange(func(s broadcast.State) {
//	    fmt.Println("connection:", s)
//	})
//
// # Lifetime Binding
//
// A [Scope] owns at most one client at a time. [Scope.Bind] switches URLs by
// fully closing the old client first, and [Scope.Teardown] guarantees no
// further notifications reach its observers:
//
//	h := broadcast.Attach(url)
//	defer h.Release()
//	h.Scope().Subscribe("invoice", invalidate)
//
// # Observability
//
// Use [WithLogger], [WithMetrics], [WithOnSend], [WithOnReceive] and
// [WithOnError] to add logging and monitoring to the client.
package broadcast
