// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// OwnerID builds the claim owner stamped on processing rows: the host name
// followed by a short random suffix so two processes on one host never collide.
func (g Generator) OwnerID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "rankwatch"
	}
	return fmt.Sprintf("%s-%s", host, id[len(id)-12:]), nil
}
