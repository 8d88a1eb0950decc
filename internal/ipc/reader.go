package ipc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// ReadOutputEvent parses one worker output file. Unknown keys are
// ignored per the wire contract.
func ReadOutputEvent(path string) (*wire.OutputEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ev wire.OutputEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse output event %s: %w", path, err)
	}
	return &ev, nil
}

// ReadTask parses one privileged-action request file. A request without
// type or request_id is malformed and unanswerable.
func ReadTask(path string) (*wire.TaskRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req wire.TaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse task %s: %w", path, err)
	}
	if req.Type == "" || req.RequestID == "" {
		return nil, fmt.Errorf("task %s: missing type or request_id", path)
	}
	return &req, nil
}

// Consume removes a processed exchange file. Already-gone is fine; a
// concurrent sweep may have raced us to it.
func Consume(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
