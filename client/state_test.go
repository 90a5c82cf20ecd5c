// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.state.String()
		if got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestStateTransition(t *testing.T) {
	sm := newStateManager()

	if sm.get() != StateIdle {
		t.Errorf("initial state should be Idle, got %v", sm.get())
	}
	if !sm.transition(StateIdle, StateStarting) {
		t.Error("transition Idle -> Starting should succeed")
	}
	if sm.transition(StateIdle, StateRunning) {
		t.Error("transition from wrong state should fail")
	}
	if sm.get() != StateStarting {
		t.Errorf("state should still be Starting, got %v", sm.get())
	}

	sm.set(StateRunning)
	if !sm.isRunning() {
		t.Error("isRunning should be true")
	}
	if !sm.transition(StateRunning, StateStopping) {
		t.Error("transition Running -> Stopping should succeed")
	}
	if sm.isRunning() || sm.isClosed() {
		t.Errorf("stopping client is neither running nor closed, got %v", sm.get())
	}
	sm.set(StateClosed)
	if !sm.isClosed() {
		t.Error("isClosed should be true")
	}
}
