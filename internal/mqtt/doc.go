// Package mqtt mirrors voice notifications onto an MQTT broker so that
// devices without an open event stream (speakers, displays, home
// automation) learn when a reply's audio is ready.
//
// Every hub event for a user is published as JSON to
// <prefix>/<user_id>/voice at QoS 1. Publishing never blocks the hub:
// events are handed to a bounded buffer drained by the connection
// goroutine, and dropped when the buffer is full. A retained
// availability message on <prefix>/status tracks whether Oracle is
// connected, with a will message covering unexpected disconnects.
//
// When a canceller is configured the mirror also subscribes to
// <prefix>/+/voice/cancel; the payload is a voice task ID to cancel.
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically.
package mqtt
