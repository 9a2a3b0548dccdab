// Package platform provides constants for handling platform-specific
// behavior such as per-OS cache and data directory layouts.
package platform

const (
	// OSWindows represents the Windows operating system.
	OSWindows = "windows"
	// OSLinux represents the Linux operating system.
	OSLinux = "linux"
	// OSDarwin represents the macOS operating system.
	OSDarwin = "darwin"
)
