// Package ipc owns the filesystem fabric between the host and worker
// processes: per-workspace exchange directories, atomic writers for the
// host-owned files, and watchers for the worker-owned ones.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// Exchange file and directory names under one workspace.
const (
	inputDir             = "input"
	outputDir            = "output"
	tasksDir             = "tasks"
	responsesDir         = "responses"
	pendingApprovalsDir  = "pending_approvals"
	pendingQuestionsDir  = "pending_questions"
	approvalDecisionsDir = "approval_decisions"
	mergeResultsDir      = "merge_results"

	currentTasksFile        = "current_tasks.json"
	availableWorkspacesFile = "available_workspaces.json"
)

// Root is the host-owned IPC data root. One subdirectory per workspace
// folder.
type Root struct {
	base string
}

func NewRoot(base string) *Root {
	return &Root{base: base}
}

func (r *Root) Base() string { return r.base }

// Workspace returns the directory set for one workspace folder.
func (r *Root) Workspace(folder string) Dirs {
	return Dirs{base: filepath.Join(r.base, folder)}
}

// Workspaces lists the workspace folders present under the root.
func (r *Root) Workspaces() ([]string, error) {
	entries, err := os.ReadDir(r.base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	folders := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			folders = append(folders, e.Name())
		}
	}
	return folders, nil
}

// Dirs addresses the exchange directories of a single workspace.
type Dirs struct {
	base string
}

func (d Dirs) Base() string              { return d.base }
func (d Dirs) Input() string             { return filepath.Join(d.base, inputDir) }
func (d Dirs) Output() string            { return filepath.Join(d.base, outputDir) }
func (d Dirs) Tasks() string             { return filepath.Join(d.base, tasksDir) }
func (d Dirs) Responses() string         { return filepath.Join(d.base, responsesDir) }
func (d Dirs) PendingApprovals() string  { return filepath.Join(d.base, pendingApprovalsDir) }
func (d Dirs) PendingQuestions() string  { return filepath.Join(d.base, pendingQuestionsDir) }
func (d Dirs) ApprovalDecisions() string { return filepath.Join(d.base, approvalDecisionsDir) }
func (d Dirs) MergeResults() string      { return filepath.Join(d.base, mergeResultsDir) }

func (d Dirs) CurrentTasksFile() string { return filepath.Join(d.base, currentTasksFile) }
func (d Dirs) AvailableWorkspacesFile() string {
	return filepath.Join(d.base, availableWorkspacesFile)
}

// ResponseFile is where the reply for one request id lives.
func (d Dirs) ResponseFile(requestID string) string {
	return filepath.Join(d.Responses(), requestID+".json")
}

// EnsureAll creates every exchange directory. Called before a worker
// spawn so the worker never races directory creation.
func (d Dirs) EnsureAll() error {
	for _, dir := range []string{
		d.Input(), d.Output(), d.Tasks(), d.Responses(),
		d.PendingApprovals(), d.PendingQuestions(), d.ApprovalDecisions(), d.MergeResults(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Reset clears the transient event streams while leaving pending
// approvals in place. Used when a fresh worker takes over a workspace
// whose predecessor died mid-turn.
func (d Dirs) Reset() error {
	for _, dir := range []string{d.Input(), d.Output(), d.Tasks(), d.Responses(), d.MergeResults()} {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
