package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/foundry/internal/db"
	"github.com/lucasnoah/foundry/internal/session"
)

// Delegate statuses returned by a phase body.
const (
	DelegateSuccess = "success"
	DelegateSkip    = "skip"
	DelegateFail    = "fail"
)

// DelegateRequest is the narrow contract handed to a phase body: a
// scope in, a status plus optional artifact out. What the delegate
// actually produces is opaque to the orchestrator.
type DelegateRequest struct {
	RunID       string
	Phase       string
	Role        string
	Nonce       string // run's session nonce, echoed back via the state file
	Scope       []string
	ArtifactDir string
	Artifact    string // expected artifact file name, "" = none
	Timeout     time.Duration
}

// DelegateResult is what a phase body reports back.
type DelegateResult struct {
	Status       string
	Reason       string
	ArtifactPath string
	SessionName  string // delegate-chosen, discovered post-hoc
}

// Delegate runs one phase body, blocking until the work reaches a
// terminal state or ctx expires.
type Delegate interface {
	Run(ctx context.Context, req DelegateRequest) (*DelegateResult, error)
}

// SessionDelegate runs phase work in a detached tmux session. The
// worker process names its own session ({role}-{identifier}) and
// reports through a registry state file; the delegate discovers that
// name after the fact and waits on the state file, not the tmux pane.
type SessionDelegate struct {
	tmux     session.TmuxRunner
	registry session.Registry
	db       *db.DB // nil disables event logging
	command  string
	poll     time.Duration
}

// NewSessionDelegate creates a SessionDelegate launching the given
// worker command.
func NewSessionDelegate(tmux session.TmuxRunner, registry session.Registry, database *db.DB, command string) *SessionDelegate {
	return &SessionDelegate{
		tmux:     tmux,
		registry: registry,
		db:       database,
		command:  command,
		poll:     5 * time.Second,
	}
}

// SetPollInterval overrides the state file poll interval (for testing).
func (d *SessionDelegate) SetPollInterval(p time.Duration) {
	d.poll = p
}

// Run launches the worker, discovers its self-chosen session name, and
// blocks until the session's state file reports a terminal status.
func (d *SessionDelegate) Run(ctx context.Context, req DelegateRequest) (*DelegateResult, error) {
	if d.command == "" {
		return nil, fmt.Errorf("no worker command configured for phase %q", req.Phase)
	}
	launched := time.Now()

	cmd := fmt.Sprintf("%s --run %s --phase %s --role %s --nonce %s --out %s",
		d.command, req.RunID, req.Phase, req.Role, req.Nonce, req.ArtifactDir)
	if len(req.Scope) > 0 {
		cmd += " --scope " + strings.Join(req.Scope, ",")
	}

	// The tmux session holding the pane is named by us; the delegate's
	// logical identity is whatever it registers, which is all the
	// orchestrator ever records.
	paneName := fmt.Sprintf("foundry-%s-%s", req.RunID, req.Phase)
	if exists, err := d.tmux.HasSession(paneName); err == nil && exists {
		return nil, fmt.Errorf("worker pane %q already running", paneName)
	}
	if err := d.tmux.NewSession(paneName, cmd); err != nil {
		return nil, fmt.Errorf("launch worker: %w", err)
	}
	defer func() {
		if exists, err := d.tmux.HasSession(paneName); err == nil && exists {
			_ = d.tmux.KillSession(paneName)
		}
	}()

	name, err := d.discover(ctx, req, launched)
	if err != nil {
		return nil, err
	}
	if d.db != nil {
		_ = d.db.LogSessionEvent(name, req.RunID, req.Phase, "started", "")
	}

	sf, err := d.await(ctx, name)
	if err != nil {
		return nil, err
	}

	res := &DelegateResult{SessionName: name}
	switch sf.Status {
	case session.StateCompleted:
		res.Status = DelegateSuccess
		if req.Artifact != "" {
			res.ArtifactPath = req.ArtifactDir + "/" + req.Artifact
		}
	case session.StateFailed:
		res.Status = DelegateFail
		res.Reason = fmt.Sprintf("delegate session %q reported failed", name)
	default:
		return nil, fmt.Errorf("delegate session %q in unexpected state %q", name, sf.Status)
	}
	return res, nil
}

// discover polls the registry until a session owned by this run and
// role appears. Ownership is the run nonce the worker echoes back,
// bounded by recency within the phase timeout window.
func (d *SessionDelegate) discover(ctx context.Context, req DelegateRequest, since time.Time) (string, error) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		name, ok, err := d.registry.Resolve(req.Nonce, req.Role, req.Timeout)
		if err != nil {
			return "", err
		}
		if ok {
			return name, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("discover session for role %q (launched %s ago): %w",
				req.Role, time.Since(since).Round(time.Second), ctx.Err())
		case <-ticker.C:
		}
	}
}

// await blocks until the session's state file reaches a terminal status.
func (d *SessionDelegate) await(ctx context.Context, name string) (*session.StateFile, error) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		sf, err := d.registry.Get(name)
		if err == nil && sf.Status != session.StateActive {
			return sf, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for session %q: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}
