package corerr

// Assert reports a lifecycle violation. In builds tagged
// corereactor_debug it panics immediately (assert-in-debug); otherwise it
// is a no-op and the caller is expected to return the corresponding
// *Error to the caller instead (assert-in-debug / return-in-release, per
// spec.md section 7).
func Assert(cond bool, err *Error) {
	if !cond {
		assertHook(err)
	}
}
