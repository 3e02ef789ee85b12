package alloc

import "os"

// analysisEnvProbes are the environment variables that betray an external
// allocation-instrumentation tool. If any is set, the two tools would
// fight over the hook pointer, so installation is refused.
var analysisEnvProbes = []string{
	"MallocStackLogging",
	"MallocStackLoggingNoCompact",
	"MallocScribble",
	"MallocPreScribble",
	"LIBDISPATCH_DEBUG_QUEUE",
}

func analysisToolRunning() bool {
	for _, v := range analysisEnvProbes {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}
