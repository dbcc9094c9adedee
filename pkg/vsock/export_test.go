package vsock

// ResetInstall clears the installed provider.
func ResetInstall() { installed.Store(nil) }
