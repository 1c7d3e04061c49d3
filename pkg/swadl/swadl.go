package swadl

import (
	"log/slog"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/registry"
)

// FromYAML validates and parses a raw SWADL document in one step, the way
// every management operation consumes documents.
func FromYAML(logger *slog.Logger, reg *registry.Registry, raw []byte) (*models.Definition, error) {
	if err := NewValidator(logger, reg).Validate(raw); err != nil {
		return nil, err
	}

	return NewParser(logger, reg).Parse(raw)
}
