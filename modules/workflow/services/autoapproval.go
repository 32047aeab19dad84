package services

import (
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/wI2L/jsondiff"

	"github.com/iota-uz/regflow/modules/workflow/domain/version"
)

// AutoApprovable reports whether a preparer decision on payload may skip the
// approver. prior is the nearest ancestor carrying an approver decision; the
// shortcut holds only when both parties accepted prior, the new decision is
// an acceptance too, and the payloads differ at most under ignorePaths.
func AutoApprovable(prior *version.Version, payload json.RawMessage, decision version.Decision, ignorePaths []string) (bool, error) {
	if prior == nil || decision != version.DecisionAccepted {
		return false, nil
	}
	if prior.Preparer.Decision != version.DecisionAccepted || prior.Approver.Decision != version.DecisionAccepted {
		return false, nil
	}
	patch, err := jsondiff.CompareJSON(prior.Payload, payload)
	if err != nil {
		return false, errors.Wrap(err, "compare payloads")
	}
	for _, op := range patch {
		if !ignored(op.Path, ignorePaths) {
			return false, nil
		}
		if op.From != "" && !ignored(op.From, ignorePaths) {
			return false, nil
		}
	}
	return true, nil
}

func ignored(path string, ignorePaths []string) bool {
	for _, p := range ignorePaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
