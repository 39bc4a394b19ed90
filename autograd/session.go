// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autograd

import "sync"

// Session holds the recording and training flags of a thread of imperative execution, and its
// tape. A nil *Session is valid: it never records and is not training.
type Session struct {
	mu                  sync.Mutex
	recording, training bool
	tape                *Tape
}

// NewSession returns a session that is neither recording nor training.
func NewSession() *Session {
	return &Session{tape: NewTape()}
}

// IsRecording returns whether forward calls should be recorded for backward.
func (s *Session) IsRecording() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// IsTraining returns whether kernels should run in training mode (e.g. dropout active).
func (s *Session) IsTraining() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.training
}

// SetRecording sets the recording flag and returns its previous value.
func (s *Session) SetRecording(recording bool) (previous bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, s.recording = s.recording, recording
	return
}

// SetTraining sets the training flag and returns its previous value.
func (s *Session) SetTraining(training bool) (previous bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, s.training = s.training, training
	return
}

// Tape returns the session tape.
func (s *Session) Tape() *Tape { return s.tape }

// Record runs fn with recording (and training, if train is set) enabled, and restores the
// previous flags afterwards.
func (s *Session) Record(train bool, fn func() error) error {
	prevRecording := s.SetRecording(true)
	prevTraining := s.IsTraining()
	if train {
		s.SetTraining(true)
	}
	defer func() {
		s.SetRecording(prevRecording)
		s.SetTraining(prevTraining)
	}()
	return fn()
}
