package codec

import (
	"fmt"
	"regexp"
)

// docIDPattern is the lexical form a DocumentId must satisfy: ASCII
// letters, digits, dashes, and underscores, 1-128 characters. Opaque
// otherwise — the codec does not interpret the id, only validates its
// shape before it is used as a Pub/Sub channel suffix or a map key.
var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateDocID checks a DocumentId's lexical form.
func ValidateDocID(docID string) error {
	if !docIDPattern.MatchString(docID) {
		return fmt.Errorf("invalid document id: %q", docID)
	}
	return nil
}
