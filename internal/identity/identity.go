// Package identity persists the node's process-lifetime NodeId, adapting
// the teacher's load-or-generate key pattern to a plain UUID instead of a
// keypair: the direct transport's trust model bypasses certificate
// identity (spec.md §9), so only the id string itself needs to survive
// restarts.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("identity")

// LoadOrCreate loads a persisted NodeId from idFile, or mints a fresh UUID
// v4 and saves it on first run. Returns the id and whether it was freshly
// minted.
func LoadOrCreate(idFile string) (string, bool, error) {
	data, err := os.ReadFile(idFile)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, false, nil
		}
		log.Warnf("corrupt identity file at %s (generating new id)", idFile)
	}

	id := uuid.NewString()

	if dir := filepath.Dir(idFile); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", false, fmt.Errorf("identity: create directory: %w", err)
		}
	}
	if err := os.WriteFile(idFile, []byte(id), 0o600); err != nil {
		return "", false, fmt.Errorf("identity: save id: %w", err)
	}

	return id, true, nil
}
