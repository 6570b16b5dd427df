package moqsession

import "errors"

// ErrInvalidConfig is returned by New when an Option combination cannot
// produce a usable Session (missing or unparseable URL, missing broadcast
// name, client or handshaker), and by role-specific methods called on a
// Session of the other role or given a reserved or duplicate track name.
var ErrInvalidConfig = errors.New("moqsession: invalid config")

// ErrNotConnected is returned by every publish write and by
// SubscribeTrack when the Session has no live connection.
var ErrNotConnected = errors.New("moqsession: not connected")

// ErrBroadcastNotFound is returned when a broadcast consume attempt
// fails, wrapping the underlying transport error.
var ErrBroadcastNotFound = errors.New("moqsession: broadcast not found")

// ErrTrackNotFound is returned when a track subscription fails, wrapping
// the underlying transport error.
var ErrTrackNotFound = errors.New("moqsession: track not found")

// ErrSession wraps errors raised by the underlying transport handshake
// or connection.
var ErrSession = errors.New("moqsession: session error")

// ErrMalformed is returned when catalog serialization fails.
var ErrMalformed = errors.New("moqsession: malformed")
