package cli

// Default values for CLI flags and formatted output.
const (
	// MaxSourceLength is the maximum length of a source URL to display in
	// tables.
	MaxSourceLength = 60
	// TabWidth is the width of tabs in formatted output.
	TabWidth = 2
)
