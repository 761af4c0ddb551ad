// Package auditlog groups the durable goMFA.AuditLog implementations:
// auditlog/postgres writes to the append-only mfa_audit_log table and
// auditlog/kafka publishes entries to a topic.
package auditlog
