package pipeline

// State 流水线状态机状态
type State string

const (
	StateInit           State = "INIT"
	StateResolveRelease State = "RESOLVE_RELEASE"
	StateProbeArch      State = "PROBE_ARCH"
	StateObtainArtifact State = "OBTAIN_ARTIFACT"
	StateSelectTarget   State = "SELECT_TARGET"
	StateDecompile      State = "DECOMPILE"
	StatePlan           State = "PLAN"
	StateRebuild        State = "REBUILD"
	StateSign           State = "SIGN"
	StateCleanup        State = "CLEANUP"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// progressOf 每个状态对应的进度百分比
var progressOf = map[State]int{
	StateInit:           0,
	StateResolveRelease: 10,
	StateProbeArch:      20,
	StateObtainArtifact: 35,
	StateSelectTarget:   45,
	StateDecompile:      60,
	StatePlan:           70,
	StateRebuild:        85,
	StateSign:           95,
	StateCleanup:        98,
	StateDone:           100,
}
