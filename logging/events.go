package logging

import "time"

// --- Domain event helpers ---
// One line per lifecycle event, with stable message keys so the output can
// be grepped or shipped as-is.

// JobSubmitted logs a job that was persisted and handed to the bus.
func (l *Logger) JobSubmitted(jobID, taskType, traceID string) {
	l.Info("job_submitted", map[string]interface{}{
		"job":      jobID,
		"type":     taskType,
		"trace_id": traceID,
	})
}

// JobRedelivered logs an outbox republish.
func (l *Logger) JobRedelivered(jobID, taskType string, age time.Duration) {
	l.Warn("job_redelivered", map[string]interface{}{
		"job":  jobID,
		"type": taskType,
		"age":  age.Round(time.Millisecond).String(),
	})
}

// JobClaimed logs a pending job moving to running.
func (l *Logger) JobClaimed(jobID, agentID string) {
	l.Debug("job_claimed", map[string]interface{}{
		"job":   jobID,
		"agent": agentID,
	})
}

// JobResolved logs a job reaching a terminal status.
func (l *Logger) JobResolved(jobID, status string, elapsed time.Duration) {
	l.Info("job_resolved", map[string]interface{}{
		"job":     jobID,
		"status":  status,
		"elapsed": elapsed.Round(time.Millisecond).String(),
	})
}

// MessageDropped logs an inbound bus message that was discarded.
func (l *Logger) MessageDropped(subject, reason string, err error) {
	fields := map[string]interface{}{
		"subject": subject,
		"reason":  reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error("message_dropped", fields)
}

// AgentSeen logs a heartbeat from an agent the registry did not know.
func (l *Logger) AgentSeen(agentID, service string, tools int) {
	l.Info("agent_seen", map[string]interface{}{
		"agent":   agentID,
		"service": service,
		"tools":   tools,
	})
}

// AgentEvicted logs an entry removed for staleness.
func (l *Logger) AgentEvicted(agentID, service string, age time.Duration) {
	l.Info("agent_evicted", map[string]interface{}{
		"agent":   agentID,
		"service": service,
		"age":     age.Round(time.Millisecond).String(),
	})
}
