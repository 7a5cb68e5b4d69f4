package tui

// errMsg wraps an error for the update loop.
type errMsg struct {
	err error
}

// snapshotMsg carries one full pull of dashboard state. The TUI is a
// stateless read replica: every refresh replaces everything it shows.
type snapshotMsg struct {
	threads  []ThreadItem
	queue    QueueInfo
	packages []PackageItem
	tools    []ToolItem
}

// QueueInfo is the queue summary line.
type QueueInfo struct {
	Queued  int
	Running int
}
