// Package approval gates sensitive actions behind a human decision recorded in
// a markdown document.
//
// The Manager is the only writer of approval documents apart from the human
// reviewer, who edits the status, decided_by, decided_at and comments header
// fields out of process. The Manager is also the only party that writes
// EXPIRED.
//
// Lifecycle:
//
//	PENDING -> APPROVED | REJECTED | EXPIRED
//
// A status other than PENDING is terminal. The first terminal status a
// Manager observes for a request is kept even if the document later changes.
package approval
