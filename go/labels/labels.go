// Package labels defines the well-known folder names, control files, and
// environment variables shared across the runtime. The folder a task file
// lives in is the authoritative encoding of its state, so these names are
// part of the on-disk contract and must never change.
package labels

// Workflow folders. A task occupies exactly one at any instant.
const (
	Inbox            = "Inbox"
	NeedsAction      = "Needs_Action"
	Plans            = "Plans"
	PendingApproval  = "Pending_Approval"
	Approved         = "Approved"
	Rejected         = "Rejected"
	Done             = "Done"
	ErrorQueue       = "Error_Queue"
	Failed           = "Failed"
	NeedsHumanReview = "Needs_Human_Review"
)

// Support folders. Not task states; they hold approvals, logs, and
// generated briefings.
const (
	Approvals = "Approvals"
	Briefings = "Briefings"
	Logs      = "Logs"
)

// Control files at the vault root.
const (
	StopHook          = ".stop_hook"
	BreakerResetFile  = ".breaker-reset"
	CheckpointFile    = ".checkpoint.json"
	NonceRegistryFile = ".nonce-registry.json"
	TrustRegistryFile = ".trust-registry.json"
	CredentialsFile   = ".credentials.enc"
	CredentialsKey    = ".credentials.key"
)

// Environment of the reasoning subprocess.
const (
	EnvVault   = "FTE_VAULT"
	EnvTraceID = "FTE_TRACE_ID"
)

// TaskFolders lists the folders that encode task states, in workflow
// order.
func TaskFolders() []string {
	return []string{
		Inbox,
		NeedsAction,
		Plans,
		PendingApproval,
		Approved,
		Rejected,
		Done,
		ErrorQueue,
		Failed,
		NeedsHumanReview,
	}
}

// AllFolders lists every folder created at vault init.
func AllFolders() []string {
	return append(TaskFolders(), Approvals, Briefings, Logs)
}

// IsTaskFolder reports whether |name| is a folder that encodes a task
// state.
func IsTaskFolder(name string) bool {
	for _, f := range TaskFolders() {
		if f == name {
			return true
		}
	}
	return false
}
