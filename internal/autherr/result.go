package autherr

// Result carries either a value or a classified failure out of a single hop.
type Result[T any] struct {
	value T
	err   *Error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

func Fail[T any](kind Kind, hop string, err error) Result[T] {
	return Result[T]{err: New(kind, hop, err)}
}

// FromError wraps an already classified failure.
func FromError[T any](err *Error) Result[T] {
	return Result[T]{err: err}
}

func (r Result[T]) IsOk() bool {
	return r.err == nil
}

// Get unwraps the result into the usual (value, error) pair.
func (r Result[T]) Get() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

func (r Result[T]) Err() *Error {
	return r.err
}
