package model

// AssignmentMeta represents the latest published assignment test suite meta.
type AssignmentMeta struct {
	AssignmentID int64
	Version      int32
	ManifestHash string
	SuiteKey     string
	SuiteHash    string
	Gradable     bool
	UpdatedAt    int64
}
