// Package alerts collects the warnings shown to the person editing a story.
package alerts

import (
	"sync"

	"github.com/rs/zerolog"
)

// Alerter receives user-facing warnings.
type Alerter interface {
	// AddWarning reports a recoverable operational failure.
	AddWarning(message string)
	// FatalWarning reports a programmer error, such as acting on a story
	// before one is loaded.
	FatalWarning(message string)
}

// Level distinguishes ordinary warnings from fatal ones.
type Level int

const (
	LevelWarning Level = iota
	LevelFatal
)

// Warning is a recorded alert.
type Warning struct {
	Level   Level
	Message string
}

// Service records warnings in order and mirrors them to the log.
type Service struct {
	mutex    sync.Mutex
	warnings []Warning
	logger   zerolog.Logger
	// OnWarning, if set, is called after a warning is recorded.
	OnWarning func(Warning)
}

// NewService creates an alert service logging through logger.
func NewService(logger zerolog.Logger) *Service {
	return &Service{logger: logger.With().Str("component", "alerts").Logger()}
}

func (s *Service) AddWarning(message string) {
	s.record(Warning{Level: LevelWarning, Message: message})
	s.logger.Warn().Msg(message)
}

func (s *Service) FatalWarning(message string) {
	s.record(Warning{Level: LevelFatal, Message: message})
	s.logger.Error().Bool("fatal", true).Msg(message)
}

func (s *Service) record(w Warning) {
	s.mutex.Lock()
	s.warnings = append(s.warnings, w)
	hook := s.OnWarning
	s.mutex.Unlock()
	if hook != nil {
		hook(w)
	}
}

// Warnings returns a copy of every warning recorded so far.
func (s *Service) Warnings() []Warning {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]Warning, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// Clear drops all recorded warnings.
func (s *Service) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.warnings = nil
}

var _ Alerter = (*Service)(nil)
