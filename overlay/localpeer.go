package overlay

import (
	"github.com/weavemesh/overlay/internal/identity"
)

// LocalPeer is this node's own identity and the factories it uses to
// originate connections (§4.E). It carries no mutable state of its own.
type LocalPeer struct {
	Identity identity.ID
	Version  Version
	Port     uint16
	Name     string
	IsWorker bool

	Crypto   Crypto
	Direct   DirectTransport
	Assisted AssistedTransport
}

// identityPayload renders this node's IdentityPayload for a fresh
// connection's handshake frame.
func (l *LocalPeer) identityPayload() IdentityPayload {
	var port *uint16
	if l.Port != 0 {
		p := l.Port
		port = &p
	}
	return IdentityPayload{
		Identity: l.Identity.String(),
		Version:  l.Version.String(),
		Port:     port,
		Name:     l.Name,
		IsWorker: l.IsWorker,
	}
}
