package provider

import "github.com/harperreed/aclgo/db"

// Options configures table names and batching for a Provider. The zero
// value is valid: table names fall back to db.DefaultTableNames and
// MaxBatchSize falls back to 30.
type Options struct {
	Tables       db.TableNames
	MaxBatchSize int

	// AuditSink, if non-nil, receives every audit record the default
	// auditor produces, in addition to the info-level log line it
	// always emits. Callers that want their own audit trail (a CLI
	// printing decisions, a message queue, a compliance log) plug in
	// here instead of replacing the granting strategy themselves.
	AuditSink AuditSink
}

func (o Options) withDefaults() Options {
	o.Tables = o.Tables.WithDefaults()
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 30
	}
	return o
}
