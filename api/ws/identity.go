package ws

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/lessonlab/collabsync/internal/domain"
)

// peerPalette is the set of cursor colors handed out to participants.
var peerPalette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#be5046", "#abb2bf",
}

// DevIdentity resolves tokens of the form "id:displayName". It stands in
// for a real identity provider in development and tests; production
// deployments supply their own IdentityFunc.
func DevIdentity(token string) (domain.Identity, error) {
	parts := strings.SplitN(token, ":", 2)
	id := parts[0]
	if id == "" {
		return domain.Identity{}, fmt.Errorf("empty user id in token")
	}
	name := id
	if len(parts) == 2 && parts[1] != "" {
		name = parts[1]
	}
	return domain.Identity{
		ID:          id,
		DisplayName: name,
		Color:       colorFor(id),
	}, nil
}

func colorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return peerPalette[h.Sum32()%uint32(len(peerPalette))]
}
