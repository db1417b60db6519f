//go:build corereactor_debug

package corerr

func assertHook(err *Error) {
	panic(err)
}

// Debug reports whether this binary was built with corereactor_debug,
// letting callers skip expensive pre-assertion work (such as capturing
// goroutine identity) in release builds.
const Debug = true
