package hipaa

import "testing"

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, OutcomeSuccess},
		{204, OutcomeSuccess},
		{304, OutcomeSuccess},
		{400, OutcomeMinorFailure},
		{404, OutcomeMinorFailure},
		{429, OutcomeMinorFailure},
		{500, OutcomeSeriousFailure},
		{504, OutcomeSeriousFailure},
	}
	for _, tt := range tests {
		if got := OutcomeFor(tt.status); got != tt.want {
			t.Errorf("OutcomeFor(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
