package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// VersionProblem classifies a rejected configuration version.
type VersionProblem int

const (
	// VersionMissing means the file has no version field.
	VersionMissing VersionProblem = iota + 1
	// VersionOutdated means the file predates this build's format.
	VersionOutdated
	// VersionTooNew means the file was written for a newer build.
	VersionTooNew
)

// VersionError reports a configuration version this build cannot read.
type VersionError struct {
	Found   int
	Problem VersionProblem
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Problem {
	case VersionMissing:
		return fmt.Sprintf("config has no version; add `version: %d`", CurrentVersion)
	case VersionOutdated:
		return fmt.Sprintf("config version %d is outdated; update it to version %d", e.Found, CurrentVersion)
	case VersionTooNew:
		return fmt.Sprintf("config version %d needs a newer copilot-runtime (this build reads version %d)", e.Found, CurrentVersion)
	default:
		return fmt.Sprintf("config version %d is unsupported", e.Found)
	}
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	switch {
	case version <= 0:
		return &VersionError{Found: version, Problem: VersionMissing}
	case version < CurrentVersion:
		return &VersionError{Found: version, Problem: VersionOutdated}
	case version > CurrentVersion:
		return &VersionError{Found: version, Problem: VersionTooNew}
	}
	return nil
}
