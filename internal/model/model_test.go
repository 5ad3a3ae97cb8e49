package model

import "testing"

func TestSessionStatusTerminal(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{SessionRunning, false},
		{SessionPaused, false},
		{SessionCompleted, true},
		{SessionAborted, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		sched   Schedule
		wantErr bool
	}{
		{"defaults", DefaultSchedule(), false},
		{"full day", Schedule{DelayMs: 0, StartHour: 0, EndHour: 24}, false},
		{"single hour", Schedule{DelayMs: 100, StartHour: 9, EndHour: 10}, false},
		{"negative delay", Schedule{DelayMs: -1, StartHour: 9, EndHour: 18}, true},
		{"inverted window", Schedule{DelayMs: 0, StartHour: 18, EndHour: 9}, true},
		{"empty window", Schedule{DelayMs: 0, StartHour: 9, EndHour: 9}, true},
		{"start hour too high", Schedule{DelayMs: 0, StartHour: 24, EndHour: 24}, true},
		{"end hour too high", Schedule{DelayMs: 0, StartHour: 0, EndHour: 25}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCredentialAddr(t *testing.T) {
	cred := Credential{Host: "smtp.example.com", Port: 587}
	if got := cred.Addr(); got != "smtp.example.com:587" {
		t.Errorf("Addr() = %q", got)
	}
}
