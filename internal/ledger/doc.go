// Package ledger defines the only boundary through which provisioning talks
// to the remote ledger: a Client that submits deploy/call requests and reads
// contract views, plus the transient/rejected error taxonomy the step
// executor uses to decide whether an attempt may be retried.
package ledger
