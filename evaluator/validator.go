package evaluator

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/dagflow/workflow"
)

// verdict is a validator's judgment of an ok-reported result.
type verdict struct {
	ok     bool
	reason string
}

// validator inspects an ok result envelope against the task row and
// decides whether the claimed success holds up.
type validator func(env *workflow.ResultEnvelope, task *workflow.Task) verdict

// validatorSet routes validation by executor type. Unknown types pass:
// an ok outcome from a custom handler is taken at its word.
type validatorSet struct {
	byType map[string]validator
}

func newValidatorSet(workDir string, stderrAllowed []string) *validatorSet {
	vs := &validatorSet{byType: make(map[string]validator)}
	vs.byType[workflow.TypeCodeExecutor] = codeValidator(stderrAllowed)
	vs.byType[workflow.TypeFileWriter] = fileValidator(workDir)
	vs.byType[workflow.TypeAPICaller] = apiValidator
	return vs
}

// validate runs the type's validator. Only ok outcomes are inspected;
// an error outcome is already a failure and needs no second opinion.
func (vs *validatorSet) validate(env *workflow.ResultEnvelope, task *workflow.Task) verdict {
	if env.Outcome != workflow.OutcomeOK {
		return verdict{ok: false, reason: "executor reported an error"}
	}
	v, known := vs.byType[env.ExecutorType]
	if !known {
		return verdict{ok: true}
	}
	return v(env, task)
}

// codeValidator accepts a code result when the handler reported
// status=success and stderr is empty or every line matches an allowed
// pattern.
func codeValidator(allowed []string) validator {
	return func(env *workflow.ResultEnvelope, _ *workflow.Task) verdict {
		status, _ := env.Data["status"].(string)
		if status != "success" {
			return verdict{ok: false, reason: fmt.Sprintf("handler status is %q, not success", status)}
		}
		stderr, _ := env.Data["stderr"].(string)
		if offending := firstDisallowedLine(stderr, allowed); offending != "" {
			return verdict{ok: false, reason: "stderr output: " + offending}
		}
		return verdict{ok: true}
	}
}

// firstDisallowedLine returns the first stderr line no allowed pattern
// matches, or "" when stderr is clean.
func firstDisallowedLine(stderr string, allowed []string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		permitted := false
		for _, pattern := range allowed {
			if ok, err := doublestar.Match(pattern, line); err == nil && ok {
				permitted = true
				break
			}
		}
		if !permitted {
			return line
		}
	}
	return ""
}

// fileValidator accepts a file result when the declared file exists and,
// if the task pinned expected_content, matches it byte for byte.
func fileValidator(workDir string) validator {
	return func(env *workflow.ResultEnvelope, task *workflow.Task) verdict {
		path, _ := env.Data["path"].(string)
		if path == "" {
			path, _ = task.Parameters["path"].(string)
		}
		if path == "" {
			return verdict{ok: false, reason: "no file path declared"}
		}
		abs := path
		if !filepath.IsAbs(abs) {
			root := workDir
			if root == "" {
				root = "."
			}
			abs = filepath.Join(root, path)
		}
		got, err := os.ReadFile(abs)
		if err != nil {
			return verdict{ok: false, reason: fmt.Sprintf("declared file %s does not exist", path)}
		}
		if want, has := task.Parameters["expected_content"].(string); has {
			if !bytes.Equal(got, []byte(want)) {
				return verdict{ok: false, reason: fmt.Sprintf("file %s does not match expected content", path)}
			}
		}
		return verdict{ok: true}
	}
}

// apiValidator accepts an api result when the reported status is 2xx.
func apiValidator(env *workflow.ResultEnvelope, _ *workflow.Task) verdict {
	status, ok := numericStatus(env.Data["status"])
	if !ok {
		return verdict{ok: false, reason: "no HTTP status reported"}
	}
	if status < 200 || status >= 300 {
		return verdict{ok: false, reason: fmt.Sprintf("HTTP status %d", status)}
	}
	return verdict{ok: true}
}

// numericStatus reads a status code that arrives as int before JSON and
// float64 after.
func numericStatus(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
