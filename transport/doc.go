// Package transport carries messages and acknowledgments between a device
// and the relay service over two interchangeable channels.
//
// # Architecture
//
// Every channel satisfies the Transport interface:
//
//	type Transport interface {
//	    Kind() Kind
//	    Connect(ctx context.Context) error
//	    Send(ctx context.Context, msg messaging.Message) error
//	    OnEvent(handler EventHandler)
//	    OnStatus(handler StatusHandler)
//	    Disconnect() error
//	    Connected() bool
//	}
//
// StreamingTransport is the primary channel: a websocket session exchanging
// JSON frames of the form {"type": ..., "payload": ...}. A dropped session
// is redialed with exponential backoff starting at one second and capped at
// sixty.
//
// PollingTransport is the fallback channel. It polls every thirty seconds
// for events newer than its cursor and sends through individual requests.
// Three consecutive failed polls mark it unreachable.
//
// # Controller
//
// Controller composes the two channels into one send capability and one
// event stream:
//
//	ctrl, err := transport.NewController(streaming, polling, transport.ControllerConfig{})
//	ctrl.OnEvent(func(ev transport.Event) { ... })
//	ctrl.OnGap(func(gap transport.GapEvent) { ... })
//	ctrl.Start(ctx)
//
// The primary is preferred. When it drops, the controller waits a fifteen
// second grace window before switching to the fallback; sends during the
// window use the fallback's request path. When the primary returns, the
// fallback is stopped. With both channels down the controller probes the
// primary first, then the fallback, with the same capped backoff.
//
// Every state change, and every primary reconnect, emits a GapEvent. Gap
// events are the signal for the reconciliation engine to fetch whatever
// was missed.
//
// # Wire Format
//
// Inbound frames are validated by DecodeFrame. Frames that fail validation
// return ErrMalformedEvent and are dropped by the transports without
// closing the session.
package transport
