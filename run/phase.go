package run

type Phase int

const (
	Start Phase = iota
	Classifying
	ProvisioningCredentials
	AssemblingSpec
	Launching
	LaunchFailed
	TaskFailed
	LaunchSucceeded
	FetchingMetrics
	TearingDown
	Done
)

var phaseNames = map[Phase]string{
	Start:                   "START",
	Classifying:             "CLASSIFYING",
	ProvisioningCredentials: "PROVISIONING_CREDENTIALS",
	AssemblingSpec:          "ASSEMBLING_SPEC",
	Launching:               "LAUNCHING",
	LaunchFailed:            "LAUNCH_FAILED",
	TaskFailed:              "TASK_FAILED",
	LaunchSucceeded:         "LAUNCH_SUCCEEDED",
	FetchingMetrics:         "FETCHING_METRICS",
	TearingDown:             "TEARING_DOWN",
	Done:                    "DONE",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "UNKNOWN"
}
