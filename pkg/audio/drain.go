package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when a stream's remaining values are no longer needed but its
// producer must be allowed to finish, e.g. the event channel of a transport
// session that is being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
