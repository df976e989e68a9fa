package buildinfo

import "fmt"

// Set via -ldflags at build time.
var (
	BuildVersion string
	BuildDate    string
	BuildCommit  string
)

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// String renders the build identity for the startup log line.
func String() string {
	return fmt.Sprintf("version=%s date=%s commit=%s",
		orNA(BuildVersion), orNA(BuildDate), orNA(BuildCommit))
}
