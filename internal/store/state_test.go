// ABOUTME: Unit tests for the job state machine: legal transitions, terminal
// ABOUTME: states, and the retry ceiling constant.
package store_test

import (
	"testing"

	"github.com/kerntune/kerntune/internal/store"
)

func TestCanTransition_LegalPaths(t *testing.T) {
	t.Parallel()
	legal := []struct{ from, to store.JobState }{
		{store.StateNew, store.StateCompileStart},
		{store.StateNew, store.StateEvalStart},
		{store.StateNew, store.StateRunning},
		{store.StateCompileStart, store.StateCompiled},
		{store.StateCompileStart, store.StateErrored},
		{store.StateCompiled, store.StateEvalStart},
		{store.StateEvalStart, store.StateEvaluated},
		{store.StateEvalStart, store.StateCompiled},
		{store.StateEvalStart, store.StateErrored},
		{store.StateRunning, store.StateCompleted},
		{store.StateRunning, store.StateErrored},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}
}

func TestCanTransition_IllegalPaths(t *testing.T) {
	t.Parallel()
	illegal := []struct{ from, to store.JobState }{
		{store.StateNew, store.StateCompiled},
		{store.StateNew, store.StateEvaluated},
		{store.StateCompiled, store.StateCompileStart},
		{store.StateCompiled, store.StateNew},
		{store.StateEvalStart, store.StateNew},
		{store.StateErrored, store.StateNew},
		{store.StateEvaluated, store.StateEvalStart},
		{store.StateCompleted, store.StateRunning},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	for _, st := range []store.JobState{store.StateEvaluated, store.StateCompleted, store.StateErrored} {
		if !st.Terminal() {
			t.Errorf("expected %s to be terminal", st)
		}
	}
	for _, st := range []store.JobState{store.StateNew, store.StateCompileStart, store.StateCompiled, store.StateEvalStart, store.StateRunning} {
		if st.Terminal() {
			t.Errorf("expected %s to be non-terminal", st)
		}
	}
}
