package provider

import (
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/harperreed/aclgo/strategy"
)

// AuditSink receives a fully formed audit record. Implementations that
// need the originating correlation id can recover it from Event.ID.
type AuditSink interface {
	Audit(Event)
}

// Event is an audit record: a correlation id, the granting/denial
// outcome and the ACE that decided it.
type Event struct {
	ID       string
	Granting bool
	Ace      strategy.Ace
}

// logAuditor is the default strategy.Auditor: it stamps every event
// with a correlation id and logs it at info verbosity 1, forwarding to
// an optional sink as well. A nil logger is replaced with
// logr.Discard() so auditing never requires a collaborator.
type logAuditor struct {
	log  logr.Logger
	sink AuditSink
}

// NewAuditor builds the default strategy.Auditor used by providers that
// don't configure their own. sink may be nil.
func NewAuditor(log logr.Logger, sink AuditSink) strategy.Auditor {
	return &logAuditor{log: log, sink: sink}
}

func (a *logAuditor) Audit(e strategy.AuditEvent) {
	event := Event{ID: uuid.New().String(), Granting: e.Granting, Ace: e.Ace}
	a.log.V(1).Info("acl decision audited",
		"eventID", event.ID,
		"granting", event.Granting,
		"mask", e.Ace.Mask(),
		"sid", e.Ace.Sid(),
	)
	if a.sink != nil {
		a.sink.Audit(event)
	}
}
