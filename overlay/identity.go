package overlay

import (
	"fmt"
	"strings"

	"github.com/weavemesh/overlay/internal/identity"
)

// Version identifies the software and protocol a peer speaks. Two
// versions are compatible iff their ProtocolVersion fields match; Agent
// and Client are informational only.
type Version struct {
	Agent           string
	ProtocolVersion string
	Client          string
}

// CompatibleWith reports whether v and other can interoperate.
func (v Version) CompatibleWith(other Version) bool {
	return v.ProtocolVersion == other.ProtocolVersion
}

// String renders a Version as the wire's "version (string)" field: three
// slash-separated components, matching the identity payload contract in §6.
func (v Version) String() string {
	return fmt.Sprintf("%s/%s/%s", v.Agent, v.ProtocolVersion, v.Client)
}

// ParseVersion decodes a Version from its wire string form.
func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: version string %q", ErrMalformedVersion, s)
	}
	return Version{Agent: parts[0], ProtocolVersion: parts[1], Client: parts[2]}, nil
}

// isValidIdentity is the syntactic check from §4.A.
func isValidIdentity(s string) bool {
	return identity.IsValid(s)
}

// canInitiate reports whether a should be the initiating side of a
// connection to b. It is a total order derived from the identities'
// rendered form: for any distinct a, b exactly one of canInitiate(a,b),
// canInitiate(b,a) holds.
func canInitiate(a, b identity.ID) bool {
	return a.Less(b)
}

// canKeepDuplicate reports whether the connection owned by
// ownerOfConnectionToKeep should survive a duplicate-connection
// collision against otherSide. It shares canInitiate's total order so
// the two predicates never disagree about which side "wins".
func canKeepDuplicate(ownerOfConnectionToKeep, otherSide identity.ID) bool {
	return ownerOfConnectionToKeep.Less(otherSide)
}
