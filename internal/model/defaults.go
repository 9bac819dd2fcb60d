package model

import "time"

// Shared defaults used by the server and the CLI subcommands.
const (
	DefaultBufferCapacity  = 100_000
	DefaultSubmitWait      = 50 * time.Millisecond
	DefaultBatchSize       = 2000
	DefaultBatchTimeout    = 2 * time.Second
	DefaultRetryLimit      = 5
	DefaultDedupShards     = 8
	DefaultSweepInterval   = time.Second
	DefaultDispatchWorkers = 4
	DefaultAlertTopic      = "vigil.alerts"
)
