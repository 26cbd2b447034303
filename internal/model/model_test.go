// Copyright 2025 James Ross
package model

import "testing"

func TestJobIsActive(t *testing.T) {
	cases := []struct {
		state  JobState
		active bool
	}{
		{JobQueued, true},
		{JobStarted, true},
		{JobRetrying, true},
		{JobSuccess, false},
		{JobFailure, false},
	}
	for _, c := range cases {
		j := Job{State: c.state}
		if got := j.IsActive(); got != c.active {
			t.Errorf("IsActive(%v) = %v, want %v", c.state, got, c.active)
		}
	}
}

func TestJobIsTerminal(t *testing.T) {
	cases := []struct {
		state    JobState
		terminal bool
	}{
		{JobQueued, false},
		{JobStarted, false},
		{JobRetrying, false},
		{JobSuccess, true},
		{JobFailure, true},
	}
	for _, c := range cases {
		j := Job{State: c.state}
		if got := j.IsTerminal(); got != c.terminal {
			t.Errorf("IsTerminal(%v) = %v, want %v", c.state, got, c.terminal)
		}
	}
}

func TestJobViewOmitsTaskID(t *testing.T) {
	taskID := "task-1"
	errMsg := "boom"
	j := Job{
		ID:        "job-1",
		DatasetID: "ds-1",
		TaskID:    &taskID,
		State:     JobFailure,
		Progress:  40,
		Error:     &errMsg,
	}
	v := j.View()
	if v.ID != j.ID || v.DatasetID != j.DatasetID || v.State != j.State || v.Progress != j.Progress {
		t.Fatalf("view = %+v did not copy expected fields from job %+v", v, j)
	}
	if v.Error == nil || *v.Error != errMsg {
		t.Fatalf("view.Error = %v, want %q", v.Error, errMsg)
	}
}
