package simulator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// Identity is the per-agent identity file: {"id": "..."}. An agent that
// cannot read it at startup terminates; everything else in the system is
// recoverable, this is not.
type Identity struct {
	ID string `json:"id"`
}

func LoadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read identity file: %w", err)
	}
	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return Identity{}, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	if ident.ID == "" {
		return Identity{}, fmt.Errorf("identity file %s has no id", path)
	}
	return ident, nil
}

// WriteIdentity writes the identity file atomically so a crash mid-write
// never leaves a half-written file behind.
func WriteIdentity(path, id string) error {
	data, err := json.MarshalIndent(Identity{ID: id}, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
