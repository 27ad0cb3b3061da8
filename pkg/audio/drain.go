package audio

// Drain reads from ch until the channel is closed, discarding all values.
// It unblocks the producer of a stream nobody reads anymore, such as the
// output of [ConvertStream] after the capture session ended.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
