// Package uuid implements crawler.IDGenerator backed by random UUIDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces random UUID strings.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a new random UUID.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}
