// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalation maps topic domains to human escalation contacts.
//
// # Description
//
// The directory is the system of record for who an athlete should talk to
// when a question needs a human: SafeSport reports, anti-doping questions,
// selection disputes. It ships with an embedded default directory, supports
// an external YAML override, and hot-reloads the override on change. Every
// lookup is guaranteed to return at least one usable contact; a domain with
// no entries falls back to the universal Athlete Ombuds contact.
//
// # Thread Safety
//
// Directory is safe for concurrent use; reloads swap data under a write
// lock.
package escalation

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"gopkg.in/yaml.v3"
)

// MaxDirectoryFileSize caps external directory files. Keeps a bad override
// from ballooning memory.
const MaxDirectoryFileSize = 1024 * 1024

// DirectoryPathEnv names the environment variable holding the external
// directory override path.
const DirectoryPathEnv = "ESCALATION_DIRECTORY_PATH"

//go:embed escalation_directory.yaml
var defaultDirectoryYAML []byte

// Target is one escalation contact: an organization, why an athlete would
// reach it, and its contact channels. Absent channels are empty strings.
type Target struct {
	Organization string                      `yaml:"organization" json:"organization"`
	Role         string                      `yaml:"role" json:"role"`
	Email        string                      `yaml:"email,omitempty" json:"email,omitempty"`
	Phone        string                      `yaml:"phone,omitempty" json:"phone,omitempty"`
	URL          string                      `yaml:"url,omitempty" json:"url,omitempty"`
	Urgency      datatypes.EscalationUrgency `yaml:"urgency,omitempty" json:"urgency,omitempty"`
}

// HasContact reports whether the target carries at least one usable channel.
func (t Target) HasContact() bool {
	return t.Email != "" || t.Phone != "" || t.URL != ""
}

type directoryYAML struct {
	Domains   map[string][]Target `yaml:"domains"`
	Universal *Target             `yaml:"universal"`
}

// EscalationDataMissingError notes a domain with no directory entries.
// It is internal only: lookups still return the universal contact, so
// callers log it and continue.
type EscalationDataMissingError struct {
	Domain datatypes.TopicDomain
}

func (e *EscalationDataMissingError) Error() string {
	return fmt.Sprintf("no escalation targets for domain %q, using universal contact", e.Domain)
}

// IsEscalationDataMissing reports whether err is or wraps an
// EscalationDataMissingError.
func IsEscalationDataMissing(err error) bool {
	var missing *EscalationDataMissingError
	return errors.As(err, &missing)
}

// Directory resolves topic domains to ordered escalation targets.
type Directory struct {
	mu        sync.RWMutex
	domains   map[datatypes.TopicDomain][]Target
	universal Target
	path      string
	loadedAt  time.Time
}

// NewDirectory loads the embedded default directory, then applies the
// external override named by ESCALATION_DIRECTORY_PATH when set.
//
// # Outputs
//
//   - *Directory: Ready to use directory.
//   - error: Non-nil when the embedded data is unparsable (a build defect)
//     or a configured override cannot be loaded at startup.
func NewDirectory() (*Directory, error) {
	return NewDirectoryFromPath(os.Getenv(DirectoryPathEnv))
}

// NewDirectoryFromPath loads the directory, overriding the embedded default
// with the YAML file at path when path is non-empty.
func NewDirectoryFromPath(path string) (*Directory, error) {
	d := &Directory{path: path}

	data := defaultDirectoryYAML
	source := "embedded"
	if path != "" {
		external, err := readDirectoryFile(path)
		if err != nil {
			return nil, fmt.Errorf("load escalation directory %s: %w", path, err)
		}
		data = external
		source = path
	}

	if err := d.load(data); err != nil {
		return nil, fmt.Errorf("parse escalation directory (%s): %w", source, err)
	}

	slog.Info("Escalation directory loaded",
		"source", source, "domains", len(d.domains))
	return d, nil
}

// Path returns the external override path, empty when running on the
// embedded default.
func (d *Directory) Path() string {
	return d.path
}

// Reload re-reads the external override file. Called by the file watcher.
// On failure the previous directory stays in effect.
func (d *Directory) Reload() error {
	if d.path == "" {
		return fmt.Errorf("no external escalation directory configured")
	}

	data, err := readDirectoryFile(d.path)
	if err != nil {
		return fmt.Errorf("reload escalation directory %s: %w", d.path, err)
	}
	if err := d.load(data); err != nil {
		return fmt.Errorf("reload escalation directory %s: %w", d.path, err)
	}

	slog.Info("Escalation directory reloaded", "path", d.path)
	return nil
}

func readDirectoryFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > MaxDirectoryFileSize {
		return nil, fmt.Errorf("directory file too large: %d bytes (max %d)", info.Size(), MaxDirectoryFileSize)
	}
	return os.ReadFile(path)
}

// load parses and validates data, then swaps it in atomically.
func (d *Directory) load(data []byte) error {
	var parsed directoryYAML
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("unmarshaling YAML: %w", err)
	}

	if parsed.Universal == nil {
		return fmt.Errorf("universal contact is required")
	}
	if parsed.Universal.Organization == "" || !parsed.Universal.HasContact() {
		return fmt.Errorf("universal contact must name an organization and at least one contact channel")
	}

	domains := make(map[datatypes.TopicDomain][]Target, len(parsed.Domains))
	for raw, targets := range parsed.Domains {
		domain := datatypes.TopicDomain(strings.ToLower(strings.TrimSpace(raw)))
		if !domain.IsValid() {
			return fmt.Errorf("unknown topic domain %q", raw)
		}
		for i, target := range targets {
			if target.Organization == "" {
				return fmt.Errorf("domain %q target %d has no organization", raw, i)
			}
		}
		domains[domain] = targets
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.domains = domains
	d.universal = *parsed.Universal
	d.loadedAt = time.Now()
	return nil
}

// Lookup returns the ordered escalation targets for domain.
//
// # Description
//
// The returned slice is never empty. When the domain has no entries, the
// universal contact is returned together with an EscalationDataMissingError
// so the caller can log the gap; the error never blocks the escalation.
//
// # Outputs
//
//   - []Target: Ordered targets, universal fallback when the domain has
//     none. Callers must not mutate the slice.
//   - error: *EscalationDataMissingError when the fallback was used, else
//     nil.
func (d *Directory) Lookup(domain datatypes.TopicDomain) ([]Target, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if targets, ok := d.domains[domain]; ok && len(targets) > 0 {
		return targets, nil
	}
	return []Target{d.universal}, &EscalationDataMissingError{Domain: domain}
}

// Universal returns the guaranteed fallback contact.
func (d *Directory) Universal() Target {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.universal
}

// UrgencyFor applies the urgency rule: safesport and anti-doping referrals
// are always immediate, anything under a time constraint is immediate, and
// everything else is standard.
func UrgencyFor(domain datatypes.TopicDomain, hasTimeConstraint bool) datatypes.EscalationUrgency {
	switch domain {
	case datatypes.DomainSafeSport, datatypes.DomainAntiDoping:
		return datatypes.UrgencyImmediate
	}
	if hasTimeConstraint {
		return datatypes.UrgencyImmediate
	}
	return datatypes.UrgencyStandard
}

// FallbackMessage renders the deterministic referral used when no LLM is
// available. It is built purely from the target list and must always
// produce actionable contact information.
func FallbackMessage(targets []Target, urgency datatypes.EscalationUrgency) string {
	var b strings.Builder

	if urgency == datatypes.UrgencyImmediate {
		b.WriteString("This needs direct attention from the people listed below. Please reach out as soon as you can:\n")
	} else {
		b.WriteString("This question is best handled by a human contact. Here is who can help:\n")
	}

	for _, target := range targets {
		b.WriteString("\n")
		b.WriteString(target.Organization)
		if target.Role != "" {
			b.WriteString(" (")
			b.WriteString(target.Role)
			b.WriteString(")")
		}
		b.WriteString("\n")
		if target.Phone != "" {
			b.WriteString("  Phone: ")
			b.WriteString(target.Phone)
			b.WriteString("\n")
		}
		if target.Email != "" {
			b.WriteString("  Email: ")
			b.WriteString(target.Email)
			b.WriteString("\n")
		}
		if target.URL != "" {
			b.WriteString("  Online: ")
			b.WriteString(target.URL)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nIf you are not sure where to start, the Office of the Athlete Ombuds offers free and confidential guidance.")
	return b.String()
}
