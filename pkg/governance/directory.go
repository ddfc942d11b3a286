package governance

import (
	"sync"

	"github.com/settld-labs/settld/pkg/domain"
)

// ActorKey is one registered non-server public key: a robot, operator, or
// agent key a tenant has enrolled.
type ActorKey struct {
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Owner     string `json:"owner"` // robot | operator | agent
	OwnerID   string `json:"ownerId"`
	Revoked   bool   `json:"revoked,omitempty"`
}

// Directory resolves signer key ids for signature policy checks. Server
// keys come from the reduced global governance stream; actor keys from
// the tenant's enrolled key set. It satisfies domain.KeyDirectory.
type Directory struct {
	mu     sync.RWMutex
	server *domain.Governance
	actors map[string]ActorKey
}

// NewDirectory builds a directory over a reduced governance state. A nil
// state resolves nothing until SetServerState is called.
func NewDirectory(server *domain.Governance) *Directory {
	return &Directory{server: server, actors: map[string]ActorKey{}}
}

// SetServerState swaps in a fresh governance reduction after new
// governance events commit.
func (d *Directory) SetServerState(server *domain.Governance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.server = server
}

// PutActorKey enrolls or updates an actor key.
func (d *Directory) PutActorKey(k ActorKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actors[k.KeyID] = k
}

// SignerKey resolves a key id to its public key and owner class.
func (d *Directory) SignerKey(keyID string) (string, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.server != nil {
		if pub, ok := d.server.ResolveKey(keyID); ok {
			return pub, "server", true
		}
	}
	if k, ok := d.actors[keyID]; ok && !k.Revoked {
		return k.PublicKey, k.Owner, true
	}
	return "", "", false
}

var _ domain.KeyDirectory = (*Directory)(nil)
