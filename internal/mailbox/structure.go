package mailbox

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// structureHasAttachment reports whether a BODYSTRUCTURE tree carries
// attachments. A multipart node with subtype "mixed" at any depth means
// the message has at least one non-inline part; single parts and other
// multipart subtypes (alternative, related, signed) do not.
func structureHasAttachment(bs imap.BodyStructure) bool {
	mp, ok := bs.(*imap.BodyStructureMultiPart)
	if !ok {
		return false
	}
	if strings.EqualFold(mp.Subtype, "mixed") {
		return true
	}
	for _, child := range mp.Children {
		if structureHasAttachment(child) {
			return true
		}
	}
	return false
}
