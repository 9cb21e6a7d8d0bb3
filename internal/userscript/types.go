// Package userscript defines the Script record and its repository.
//
// Scripts are owned by the repository; every other component refers to them
// by id and reads them through Repository.
package userscript

import (
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("script not found")

// RunAt is the document lifecycle point at which a script becomes eligible.
type RunAt string

const (
	RunAtDocumentStart RunAt = "document_start"
	RunAtDocumentEnd   RunAt = "document_end"
	RunAtDocumentIdle  RunAt = "document_idle"
)

// Valid reports whether r is one of the known run-timings.
func (r RunAt) Valid() bool {
	switch r {
	case RunAtDocumentStart, RunAtDocumentEnd, RunAtDocumentIdle:
		return true
	}
	return false
}

// ParseRunAt accepts both the short (start|end|idle) and the long form.
func ParseRunAt(s string) (RunAt, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "start", "document-start":
		v = string(RunAtDocumentStart)
	case "end", "document-end":
		v = string(RunAtDocumentEnd)
	case "idle", "document-idle":
		v = string(RunAtDocumentIdle)
	}
	r := RunAt(v)
	return r, r.Valid()
}

// World is the execution world the host should use.
type World string

const (
	WorldIsolated World = "isolated"
	WorldMain     World = "main"
)

func (w World) Valid() bool { return w == WorldIsolated || w == WorldMain }

// Script is a registered userscript.
type Script struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Code     string   `json:"code"`
	Enabled  bool     `json:"enabled"`
	Matches  []string `json:"matches,omitempty"`
	Includes []string `json:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
	RunAt    RunAt    `json:"run_at"`
	World    World    `json:"world"`

	ExecutionCount int       `json:"execution_count"`
	LastExecuted   time.Time `json:"last_executed,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Normalize fills defaults for omitted fields.
func (s *Script) Normalize() {
	s.ID = strings.TrimSpace(s.ID)
	s.Name = strings.TrimSpace(s.Name)
	if s.RunAt == "" {
		s.RunAt = RunAtDocumentIdle
	} else if r, ok := ParseRunAt(string(s.RunAt)); ok {
		s.RunAt = r
	}
	if s.World == "" {
		s.World = WorldIsolated
	}
}
