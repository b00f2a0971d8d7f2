//go:build !portaudio

package capture

// DefaultDevice returns nil when streaming capture support is not compiled in
// (rebuild with -tags portaudio).
func DefaultDevice() Device { return nil }
