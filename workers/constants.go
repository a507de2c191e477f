package workers

const (
	// FeeConfTarget is the confirmation target, in blocks, of claim fee
	// estimates.
	FeeConfTarget = 6

	// MaxWatcherFailures is the number of consecutive failed polls before
	// the chain watcher raises an alert.
	MaxWatcherFailures = 5

	// BTCBlockDiffThreshold is how far the tracker may lag behind the node
	// before the alerter complains.
	BTCBlockDiffThreshold = 3

	// DeadlineWarningBlocks marks unclaimed commitments this close to their
	// timeout as urgent in alerter reports.
	DeadlineWarningBlocks = 3
)
