// Package metadataclient is the Document Session and Persistence
// Coordinator's view of the external Document Metadata Service: document
// CRUD, collaborator ACLs, and serialized CRDT state storage are someone
// else's concern — this package only owns the narrow contract the core
// calls through.
package metadataclient

import (
	"context"
	"errors"
)

// AccessLevel is one collaborator's permission on a document.
type AccessLevel string

const (
	AccessNone   AccessLevel = "none"
	AccessViewer AccessLevel = "viewer"
	AccessEditor AccessLevel = "editor"
	AccessOwner  AccessLevel = "owner"
)

// CanWrite reports whether the level permits `update` envelopes, which
// require write capability (editor or owner).
func (a AccessLevel) CanWrite() bool { return a == AccessEditor || a == AccessOwner }

// CanRead reports whether the level permits joining at all.
func (a AccessLevel) CanRead() bool { return a != AccessNone && a != "" }

// Collaborator is one user's role on a document.
type Collaborator struct {
	UserID string
	Role   AccessLevel
}

// Document is the metadata + serialized state payload returned by
// LoadDocument.
type Document struct {
	OwnerID       string
	Collaborators []Collaborator
	State         []byte
}

// ErrDocumentNotFound is returned by LoadDocument/CheckAccess when docId
// does not exist; the Document Session closes with close code 4004.
var ErrDocumentNotFound = errors.New("metadataclient: document not found")

// Client is the Document Metadata Service contract:
// `loadDocument(docId) → {ownerId, collaborators[], state}`,
// `persistState(docId, state, plaintext) → ok|error`,
// `checkAccess(userId, docId) → none|viewer|editor|owner`.
type Client interface {
	LoadDocument(ctx context.Context, docID string) (*Document, error)
	PersistState(ctx context.Context, docID string, state []byte, plaintext string) error
	CheckAccess(ctx context.Context, userID, docID string) (AccessLevel, error)
}
