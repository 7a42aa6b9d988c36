package domain

// Status represents lifecycle states for a project.
type Status string

const (
	StatusDraft              Status = "DRAFT"
	StatusAwaitingSpec       Status = "AWAITING_SPEC"
	StatusAwaitingPayment    Status = "AWAITING_PAYMENT"
	StatusQueuedProvisioning Status = "QUEUED_PROVISIONING"
	StatusProvisioningRepo   Status = "PROVISIONING_REPO"
	StatusDeploying          Status = "DEPLOYING"
	StatusAwaitingDNS        Status = "AWAITING_DNS"
	StatusLive               Status = "LIVE"
	StatusSuspended          Status = "SUSPENDED"
	StatusError              Status = "ERROR"
)

// Command is one of the closed set of domain commands accepted by the
// orchestrator.
type Command string

const (
	CommandSubmitSpec           Command = "SubmitSpec"
	CommandConfirmPayment       Command = "ConfirmPayment"
	CommandStartProvisioning    Command = "StartProvisioning"
	CommandRepoReady            Command = "RepoReady"
	CommandStartDeploy          Command = "StartDeploy"
	CommandDeploySucceeded      Command = "DeploySucceeded"
	CommandDeploySuccessWithDns Command = "DeploySuccessWithDns"
	CommandDeployFailed         Command = "DeployFailed"
	CommandSuspend              Command = "Suspend"
	CommandResume               Command = "Resume"
	CommandFail                 Command = "Fail"
)

type transitionKey struct {
	status  Status
	command Command
}

// transitionTable is the single source of truth for legal transitions. Any
// (status, command) pair absent from it is rejected.
var transitionTable = buildTransitionTable()

func buildTransitionTable() map[transitionKey]Status {
	table := map[transitionKey]Status{
		{StatusDraft, CommandSubmitSpec}:                  StatusAwaitingSpec,
		{StatusAwaitingSpec, CommandConfirmPayment}:       StatusAwaitingPayment,
		{StatusAwaitingPayment, CommandStartProvisioning}: StatusQueuedProvisioning,
		{StatusQueuedProvisioning, CommandRepoReady}:      StatusProvisioningRepo,
		{StatusProvisioningRepo, CommandStartDeploy}:      StatusDeploying,
		{StatusDeploying, CommandDeploySucceeded}:         StatusAwaitingDNS,
		{StatusDeploying, CommandDeployFailed}:            StatusError,
		{StatusAwaitingDNS, CommandDeploySuccessWithDns}:  StatusLive,
		{StatusLive, CommandSuspend}:                      StatusSuspended,
		{StatusSuspended, CommandResume}:                  StatusLive,
	}
	// Fail is legal from every status.
	for _, status := range Statuses() {
		table[transitionKey{status, CommandFail}] = StatusError
	}
	return table
}

// NextStatus resolves the transition table for (current, command). The second
// return is false when the pair is not a legal transition.
func NextStatus(current Status, command Command) (Status, bool) {
	next, ok := transitionTable[transitionKey{current, command}]
	return next, ok
}

// Statuses enumerates every project status.
func Statuses() []Status {
	return []Status{
		StatusDraft,
		StatusAwaitingSpec,
		StatusAwaitingPayment,
		StatusQueuedProvisioning,
		StatusProvisioningRepo,
		StatusDeploying,
		StatusAwaitingDNS,
		StatusLive,
		StatusSuspended,
		StatusError,
	}
}

// Commands enumerates every domain command.
func Commands() []Command {
	return []Command{
		CommandSubmitSpec,
		CommandConfirmPayment,
		CommandStartProvisioning,
		CommandRepoReady,
		CommandStartDeploy,
		CommandDeploySucceeded,
		CommandDeploySuccessWithDns,
		CommandDeployFailed,
		CommandSuspend,
		CommandResume,
		CommandFail,
	}
}

// ParseCommand validates a raw command string against the closed set.
func ParseCommand(raw string) (Command, bool) {
	for _, command := range Commands() {
		if string(command) == raw {
			return command, true
		}
	}
	return "", false
}

// ValidStatus reports whether raw names a known status.
func ValidStatus(raw Status) bool {
	for _, status := range Statuses() {
		if status == raw {
			return true
		}
	}
	return false
}
