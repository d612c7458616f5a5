// Package crisis provides the business boundary for Lifeline's crisis alert
// triage engine. It defines the domain model (CrisisAlert, audit trail,
// delivery record), the lifecycle state machine, the Store interface
// (persistence + change feed), and the Service that validates and applies
// responder actions.
package crisis
