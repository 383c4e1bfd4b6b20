package models

import "testing"

func TestIncidentStatusConstants(t *testing.T) {
	tests := []struct {
		name   string
		status IncidentStatus
	}{
		{"open", IncidentOpen},
		{"investigating", IncidentInvestigating},
		{"resolved", IncidentResolved},
		{"failed", IncidentFailed},
	}
	seen := map[IncidentStatus]bool{}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if string(tc.status) == "" {
				t.Fatalf("status %s is empty", tc.name)
			}
			if seen[tc.status] {
				t.Fatalf("status %s collides with another constant", tc.status)
			}
			seen[tc.status] = true
		})
	}
}

func TestFailureReasonConstantsAreDistinct(t *testing.T) {
	reasons := []IncidentFailureReason{
		FailureNoCredentials, FailureNoLogs, FailureNoSignal,
		FailureBudget, FailureTimeout, FailureRemediation,
	}
	seen := map[IncidentFailureReason]bool{}
	for _, r := range reasons {
		if seen[r] {
			t.Fatalf("failure reason %s collides with another constant", r)
		}
		seen[r] = true
	}
}

func TestProviderConstants(t *testing.T) {
	if ProviderGitHub == ProviderGitLab {
		t.Fatal("ProviderGitHub and ProviderGitLab must be distinct")
	}
}
