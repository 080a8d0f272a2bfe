// Package schema defines the canonical versioned record types produced by the
// alert pipeline (TriageObject, CorrelationBundle, LivingCaseObject), their
// validation and defaulting rules, stable id generation, the case status
// state machine, and the total-accessor Document wrapper for raw alerts.
package schema
