// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package evm

import "github.com/ethereum/go-ethereum/common"

// Action is an inspector's verdict on whether execution should proceed.
type Action uint8

const (
	// Continue lets execution proceed to the next inspector and opcode.
	Continue Action = iota
	// Halt stops the current call immediately.
	Halt
	// Revert stops the current call and rolls back its writes.
	Revert
)

// Inspector observes execution. Implementations may short-circuit execution
// by returning a non-Continue action from any hook.
type Inspector interface {
	EnterCall(env *Env, depth int, caller, callee common.Address, input []byte) Action
	Step(depth int, pc uint64, op byte) Action
	ExitCall(depth int, output []byte, err error) Action
}

// NoopInspector implements Inspector with all hooks continuing. Embed it to
// implement only the hooks of interest.
type NoopInspector struct{}

func (NoopInspector) EnterCall(*Env, int, common.Address, common.Address, []byte) Action {
	return Continue
}
func (NoopInspector) Step(int, uint64, byte) Action      { return Continue }
func (NoopInspector) ExitCall(int, []byte, error) Action { return Continue }

// InspectorStack dispatches to an ordered list of inspectors and stops at the
// first non-Continue action, which becomes the stack's own verdict.
type InspectorStack struct {
	inspectors []Inspector
}

// NewInspectorStack builds a stack from the given inspectors in invocation
// order. Nil entries are skipped so optional capabilities can be plugged in
// without reshuffling.
func NewInspectorStack(inspectors ...Inspector) *InspectorStack {
	s := &InspectorStack{}
	for _, insp := range inspectors {
		if insp != nil {
			s.inspectors = append(s.inspectors, insp)
		}
	}
	return s
}

func (s *InspectorStack) EnterCall(env *Env, depth int, caller, callee common.Address, input []byte) Action {
	for _, insp := range s.inspectors {
		if action := insp.EnterCall(env, depth, caller, callee, input); action != Continue {
			return action
		}
	}
	return Continue
}

func (s *InspectorStack) Step(depth int, pc uint64, op byte) Action {
	for _, insp := range s.inspectors {
		if action := insp.Step(depth, pc, op); action != Continue {
			return action
		}
	}
	return Continue
}

func (s *InspectorStack) ExitCall(depth int, output []byte, err error) Action {
	for _, insp := range s.inspectors {
		if action := insp.ExitCall(depth, output, err); action != Continue {
			return action
		}
	}
	return Continue
}
