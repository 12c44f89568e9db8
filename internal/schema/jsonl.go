package schema

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadJSONL decodes one Task per line from r.
// Defaults are applied to every record and each record is validated.
func ReadJSONL(r io.Reader) ([]*Task, error) {
	var tasks []*Task
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var task Task
		if err := decoder.Decode(&task); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		task.SetDefaults()
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("invalid task at line %d: %w", lineNum, err)
		}
		tasks = append(tasks, &task)
	}

	return tasks, nil
}

// ReadJSONLFile opens path and decodes it with ReadJSONL.
func ReadJSONLFile(path string) ([]*Task, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}

// WriteJSONL encodes tasks to w, one compact JSON object per line.
func WriteJSONL(w io.Writer, tasks []*Task) error {
	bw := bufio.NewWriter(w)
	encoder := json.NewEncoder(bw)
	for _, task := range tasks {
		if err := encoder.Encode(task); err != nil {
			return fmt.Errorf("failed to encode task %s: %w", task.UID, err)
		}
	}
	return bw.Flush()
}

// WriteJSONLFile writes tasks to path atomically via a temp file.
func WriteJSONLFile(path string, tasks []*Task) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := WriteJSONL(file, tasks); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
