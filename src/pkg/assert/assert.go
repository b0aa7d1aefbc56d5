package assert

import "fmt"

// Assert panics when cond is false. The first element of msgAndArgs, if
// present, is used as a format string for the rest.
func Assert(cond bool, msgAndArgs ...any) {
	if cond {
		return
	}

	if len(msgAndArgs) == 0 {
		panic("assertion failed")
	}

	format, ok := msgAndArgs[0].(string)
	if !ok {
		panic(fmt.Sprint(append([]any{"assertion failed: "}, msgAndArgs...)...))
	}

	panic("assertion failed: " + fmt.Sprintf(format, msgAndArgs[1:]...))
}

func NoError(err error) {
	if err != nil {
		panic(err)
	}
}

func Cast[T any](v any) T {
	r, ok := v.(T)
	Assert(ok, "unexpected type %T", v)

	return r
}
