package githost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func writeRepoFile(repoDir, relPath string, content []byte) error {
	fullPath := filepath.Join(repoDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", relPath, err)
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	return nil
}

type prViewJSON struct {
	StatusCheckRollup []struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
	} `json:"statusCheckRollup"`
	ReviewDecision string `json:"reviewDecision"`
	IsDraft        bool   `json:"isDraft"`
}

// parseCheckStatus decodes the `gh pr view --json` output this package
// requests in CLIHost.CheckStatus into a CheckState. Approvals is derived
// from reviewDecision=="APPROVED" rather than a review count, since gh's
// JSON surface only exposes the aggregate decision.
func parseCheckStatus(raw string) (CheckState, error) {
	var v prViewJSON
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return CheckState{}, fmt.Errorf("parse pr view json: %w", err)
	}

	passing := make(map[string]bool, len(v.StatusCheckRollup))
	for _, c := range v.StatusCheckRollup {
		passing[c.Name] = c.Conclusion == "SUCCESS" || c.Conclusion == "success"
	}
	approvals := 0
	if v.ReviewDecision == "APPROVED" {
		approvals = 1
	}
	return CheckState{PassingChecks: passing, Approvals: approvals, IsDraft: v.IsDraft}, nil
}
