package engine

import (
	"autograder/internal/grader/sandbox/security"
	"autograder/internal/grader/sandbox/spec"
)

type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
}
