package metadataclient

import (
	"context"
	"sync"
)

type devDocument struct {
	ownerID       string
	collaborators map[string]AccessLevel
	state         []byte
	plaintext     string
}

// DevMetadata is an in-memory Document Metadata Service double for local
// runs and integration tests.
type DevMetadata struct {
	mu   sync.RWMutex
	docs map[string]*devDocument
}

// NewDevMetadata constructs an empty dev document store.
func NewDevMetadata() *DevMetadata {
	return &DevMetadata{docs: make(map[string]*devDocument)}
}

// Seed creates or replaces a document with an initial owner, state, and
// collaborator set.
func (d *DevMetadata) Seed(docID, ownerID string, state []byte, collaborators map[string]AccessLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()

	collabCopy := make(map[string]AccessLevel, len(collaborators))
	for k, v := range collaborators {
		collabCopy[k] = v
	}

	d.docs[docID] = &devDocument{
		ownerID:       ownerID,
		collaborators: collabCopy,
		state:         state,
	}
}

// LoadDocument implements Client.
func (d *DevMetadata) LoadDocument(ctx context.Context, docID string) (*Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	doc, ok := d.docs[docID]
	if !ok {
		return nil, ErrDocumentNotFound
	}

	out := &Document{OwnerID: doc.ownerID, State: doc.state}
	for userID, role := range doc.collaborators {
		out.Collaborators = append(out.Collaborators, Collaborator{UserID: userID, Role: role})
	}
	return out, nil
}

// PersistState implements Client.
func (d *DevMetadata) PersistState(ctx context.Context, docID string, state []byte, plaintext string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, ok := d.docs[docID]
	if !ok {
		doc = &devDocument{collaborators: make(map[string]AccessLevel)}
		d.docs[docID] = doc
	}
	doc.state = state
	doc.plaintext = plaintext
	return nil
}

// CheckAccess implements Client.
func (d *DevMetadata) CheckAccess(ctx context.Context, userID, docID string) (AccessLevel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	doc, ok := d.docs[docID]
	if !ok {
		return AccessNone, ErrDocumentNotFound
	}

	if doc.ownerID == userID {
		return AccessOwner, nil
	}

	if role, ok := doc.collaborators[userID]; ok {
		return role, nil
	}

	return AccessNone, nil
}

// StoredPlaintext exposes the last-persisted plaintext for assertions in
// tests.
func (d *DevMetadata) StoredPlaintext(docID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if doc, ok := d.docs[docID]; ok {
		return doc.plaintext
	}
	return ""
}
