// Package profile defines toolchain and task profiles used by the sandbox.
package profile

// ToolchainSpec defines how to compile and run one language toolchain.
type ToolchainSpec struct {
	ID               string
	Name             string
	Version          string
	SourceFile       string
	BinaryFile       string
	CompileEnabled   bool
	CompileCmdTpl    string
	RunCmdTpl        string
	Env              []string
	TimeMultiplier   float64
	MemoryMultiplier float64
}
