// NATS subject scheme for the dagflow fabric.
//
// Dispatch publishes to task.<executor_type> and additionally to
// task.cap.<capability> for each required capability; executors bind
// durable consumers to the subjects they serve. Results publish to
// result.<executor_type>. Dead letters mirror the original subject under
// dlq.>. Experience records append under experience.<workflow_id>.
package workflow

import (
	"fmt"
	"strings"
)

// Stream names.
const (
	StreamTasks      = "TASKS"
	StreamResults    = "RESULTS"
	StreamDLQ        = "DLQ"
	StreamExperience = "EXPERIENCE"
)

// Wildcard subject spaces, one per stream.
const (
	SubjectTasksAll      = "task.>"
	SubjectResultsAll    = "result.>"
	SubjectDLQAll        = "dlq.>"
	SubjectExperienceAll = "experience.>"
)

// DispatchSubject returns the routing key for an executor type.
func DispatchSubject(executorType string) string {
	return "task." + sanitizeToken(executorType)
}

// CapabilitySubject returns the per-capability routing key.
func CapabilitySubject(capability string) string {
	return "task.cap." + sanitizeToken(capability)
}

// ResultSubject returns the routing key results are published under.
func ResultSubject(executorType string) string {
	return "result." + sanitizeToken(executorType)
}

// DeadLetterSubject mirrors an exhausted delivery's subject into the DLQ
// stream's subject space.
func DeadLetterSubject(original string) string {
	return "dlq." + original
}

// ExperienceSubject returns the append subject for a workflow's
// experience records.
func ExperienceSubject(workflowID string) string {
	return "experience." + sanitizeToken(workflowID)
}

// sanitizeToken makes an arbitrary tag safe as a single subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(s)
}

// SubjectsFor returns every subject a dispatch envelope is published
// under: the executor-type key plus one key per required capability.
func SubjectsFor(env *DispatchEnvelope) []string {
	subjects := []string{DispatchSubject(env.ExecutorType)}
	seen := map[string]bool{subjects[0]: true}
	for _, cap := range env.Capabilities {
		s := CapabilitySubject(cap)
		if !seen[s] {
			seen[s] = true
			subjects = append(subjects, s)
		}
	}
	return subjects
}

// ConsumerName derives a valid durable consumer name from an identity tag.
func ConsumerName(prefix, tag string) string {
	return fmt.Sprintf("%s-%s", prefix, sanitizeToken(tag))
}
