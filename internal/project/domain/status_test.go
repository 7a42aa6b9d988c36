package domain_test

import (
	"testing"

	"github.com/siteforge/siteforge/internal/project/domain"
	"github.com/stretchr/testify/assert"
)

func TestNextStatusLegalPairs(t *testing.T) {
	cases := []struct {
		from    domain.Status
		command domain.Command
		to      domain.Status
	}{
		{domain.StatusDraft, domain.CommandSubmitSpec, domain.StatusAwaitingSpec},
		{domain.StatusAwaitingSpec, domain.CommandConfirmPayment, domain.StatusAwaitingPayment},
		{domain.StatusAwaitingPayment, domain.CommandStartProvisioning, domain.StatusQueuedProvisioning},
		{domain.StatusQueuedProvisioning, domain.CommandRepoReady, domain.StatusProvisioningRepo},
		{domain.StatusProvisioningRepo, domain.CommandStartDeploy, domain.StatusDeploying},
		{domain.StatusDeploying, domain.CommandDeploySucceeded, domain.StatusAwaitingDNS},
		{domain.StatusDeploying, domain.CommandDeployFailed, domain.StatusError},
		{domain.StatusAwaitingDNS, domain.CommandDeploySuccessWithDns, domain.StatusLive},
		{domain.StatusLive, domain.CommandSuspend, domain.StatusSuspended},
		{domain.StatusSuspended, domain.CommandResume, domain.StatusLive},
	}

	for _, tc := range cases {
		next, ok := domain.NextStatus(tc.from, tc.command)
		assert.True(t, ok, "%s + %s should be legal", tc.from, tc.command)
		assert.Equal(t, tc.to, next, "%s + %s", tc.from, tc.command)
	}
}

func TestFailIsLegalFromEveryStatus(t *testing.T) {
	for _, status := range domain.Statuses() {
		next, ok := domain.NextStatus(status, domain.CommandFail)
		assert.True(t, ok, "Fail from %s", status)
		assert.Equal(t, domain.StatusError, next)
	}
}

func TestNextStatusRejectsEverythingElse(t *testing.T) {
	legal := map[[2]string]bool{
		{string(domain.StatusDraft), string(domain.CommandSubmitSpec)}:                  true,
		{string(domain.StatusAwaitingSpec), string(domain.CommandConfirmPayment)}:       true,
		{string(domain.StatusAwaitingPayment), string(domain.CommandStartProvisioning)}: true,
		{string(domain.StatusQueuedProvisioning), string(domain.CommandRepoReady)}:      true,
		{string(domain.StatusProvisioningRepo), string(domain.CommandStartDeploy)}:      true,
		{string(domain.StatusDeploying), string(domain.CommandDeploySucceeded)}:         true,
		{string(domain.StatusDeploying), string(domain.CommandDeployFailed)}:            true,
		{string(domain.StatusAwaitingDNS), string(domain.CommandDeploySuccessWithDns)}:  true,
		{string(domain.StatusLive), string(domain.CommandSuspend)}:                      true,
		{string(domain.StatusSuspended), string(domain.CommandResume)}:                  true,
	}
	for _, status := range domain.Statuses() {
		legal[[2]string{string(status), string(domain.CommandFail)}] = true
	}

	for _, status := range domain.Statuses() {
		for _, command := range domain.Commands() {
			_, ok := domain.NextStatus(status, command)
			assert.Equal(t, legal[[2]string{string(status), string(command)}], ok,
				"%s + %s", status, command)
		}
	}
}

func TestParseCommand(t *testing.T) {
	command, ok := domain.ParseCommand("SubmitSpec")
	assert.True(t, ok)
	assert.Equal(t, domain.CommandSubmitSpec, command)

	_, ok = domain.ParseCommand("submitspec")
	assert.False(t, ok)

	_, ok = domain.ParseCommand("")
	assert.False(t, ok)
}

func TestValidStatus(t *testing.T) {
	assert.True(t, domain.ValidStatus(domain.StatusLive))
	assert.False(t, domain.ValidStatus(domain.Status("LAUNCHED")))
}
