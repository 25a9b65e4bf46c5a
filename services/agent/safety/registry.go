// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
)

// Registry is the lookup table of safety profiles keyed by agent type.
//
// # Thread Safety
//
// Safe for concurrent use. Lookups return copies, so a caller can never
// observe a profile mid-update.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	validate *validator.Validate
	logger   *logging.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		profiles: make(map[string]Profile),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Get returns the registered profile for agentType, or the default profile
// when none is registered. The second return reports whether the profile
// was explicitly registered.
func (r *Registry) Get(agentType string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[agentType]; ok {
		return p, true
	}
	return DefaultProfile(agentType), false
}

// Register adds or replaces the profile for p.AgentType.
//
// # Outputs
//
//   - error: *ValidationError when a field is out of range, nil otherwise.
func (r *Registry) Register(p Profile) error {
	if err := r.check(p); err != nil {
		return err
	}
	r.mu.Lock()
	r.profiles[p.AgentType] = p
	r.mu.Unlock()
	r.logger.Info("safety profile registered",
		"agent_type", p.AgentType,
		"needs_consensus", p.NeedsConsensus,
		"max_blast_radius", string(p.MaxBlastRadius))
	return nil
}

// Update replaces an existing profile. Unlike Register it refuses to create
// a profile for an agent type that was never registered.
func (r *Registry) Update(p Profile) error {
	if err := r.check(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.AgentType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgentType, p.AgentType)
	}
	r.profiles[p.AgentType] = p
	return nil
}

// AgentTypes lists the explicitly registered agent types.
func (r *Registry) AgentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for t := range r.profiles {
		out = append(out, t)
	}
	return out
}

func (r *Registry) check(p Profile) error {
	err := r.validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		reason := fmt.Sprintf("failed %q constraint", first.Tag())
		if first.Field() == "ErrorThreshold" {
			reason = "error_threshold out of range [0,1]"
		}
		return &ValidationError{Field: first.Field(), Reason: reason}
	}
	return &ValidationError{Field: "profile", Reason: err.Error()}
}

// =============================================================================
// File Loading & Hot Reload
// =============================================================================

// profileFile is the YAML shape of a profiles file.
type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile reads a YAML profiles file and registers every profile in it.
// Invalid entries abort the load so a bad file never half-applies.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profiles file: %w", err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse profiles file %s: %w", path, err)
	}
	for _, p := range pf.Profiles {
		if err := r.check(p); err != nil {
			return fmt.Errorf("profiles file %s: agent_type %q: %w", path, p.AgentType, err)
		}
	}
	r.mu.Lock()
	for _, p := range pf.Profiles {
		r.profiles[p.AgentType] = p
	}
	r.mu.Unlock()
	r.logger.Info("safety profiles loaded", "path", path, "count", len(pf.Profiles))
	return nil
}

// Watch reloads the profiles file whenever it changes on disk. A reload
// that fails validation keeps the previous profiles and logs the error.
// Call Close to stop watching.
func (r *Registry) Watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	r.mu.Lock()
	r.watcher = w
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					r.logger.Warn("profile reload failed, keeping previous profiles",
						"path", path, "error", err.Error())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("profile watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.watcher = nil
	return err
}
