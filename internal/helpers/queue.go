package helpers

// PushDropOldest performs a non-blocking send. When the channel is full the
// oldest queued item is discarded to make room. It reports whether an item
// was discarded. If a concurrent producer refills the slot first, v itself
// is dropped.
func PushDropOldest[T any](ch chan T, v T) (dropped bool) {
	select {
	case ch <- v:
		return false
	default:
	}

	// Channel full, drop oldest and retry
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
	return true
}
