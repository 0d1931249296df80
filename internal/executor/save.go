package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/securag/policygate/internal/pipe"
)

// Save serializes the executor's configuration as a file tree under path:
// one directory per pipe holding a pipe.json manifest and one JSON file per
// module. This is a best-effort operational snapshot, not a loadable format.
func (e *Executor) Save(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	manifest := map[string]any{
		"raise_on_flag": e.raiseOnFlag,
		"input_pipes":   pipeNames(e.inputPipes),
		"output_pipes":  pipeNames(e.outputPipes),
	}
	if err := writeJSON(filepath.Join(path, "executor.json"), manifest); err != nil {
		return err
	}

	for _, p := range e.inputPipes {
		if err := savePipe(filepath.Join(path, "input_pipes"), p); err != nil {
			return err
		}
	}
	for _, p := range e.outputPipes {
		if err := savePipe(filepath.Join(path, "output_pipes"), p); err != nil {
			return err
		}
	}
	return nil
}

func savePipe(dir string, p pipe.Pipe) error {
	pipeDir := filepath.Join(dir, p.Name())
	if err := os.MkdirAll(pipeDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", pipeDir, err)
	}

	moduleNames := make([]string, 0, len(p.Modules()))
	for _, m := range p.Modules() {
		moduleNames = append(moduleNames, m.Name())
	}
	err := writeJSON(filepath.Join(pipeDir, "pipe.json"), map[string]any{
		"name":        p.Name(),
		"description": p.Description(),
		"pipe_type":   p.Type(),
		"id":          p.ID(),
		"modules":     moduleNames,
	})
	if err != nil {
		return err
	}

	for _, m := range p.Modules() {
		err := writeJSON(filepath.Join(pipeDir, m.Name()+".json"), map[string]any{
			"name":        m.Name(),
			"description": m.Description(),
			"id":          m.ID(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func pipeNames(pipes []pipe.Pipe) []string {
	names := make([]string, 0, len(pipes))
	for _, p := range pipes {
		names = append(names, p.Name())
	}
	return names
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
