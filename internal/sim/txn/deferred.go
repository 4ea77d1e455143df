package txn

// Deferred holds a value that may not be used before tick Due.
// The value is unexported; Release is the only way out.
type Deferred[T any] struct {
	due   uint64
	value T
}

// Defer wraps v so that it becomes available at the tick after now.
func Defer[T any](now uint64, v T) Deferred[T] {
	return Deferred[T]{due: now + 1, value: v}
}

func (d Deferred[T]) Due() uint64 { return d.due }

// Release returns the value only once now has reached the due tick.
func (d Deferred[T]) Release(now uint64) (T, bool) {
	if now < d.due {
		var zero T
		return zero, false
	}
	return d.value, true
}

// Promote splits q into values released at now and entries still pending.
// Order is preserved in both outputs.
func Promote[T any](q []Deferred[T], now uint64) (released []T, pending []Deferred[T]) {
	for _, d := range q {
		if v, ok := d.Release(now); ok {
			released = append(released, v)
			continue
		}
		pending = append(pending, d)
	}
	return released, pending
}
