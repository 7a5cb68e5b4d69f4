package toolbox

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/mlowden/strand/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed system_tools.yaml
var systemToolsYAML []byte

type seedTool struct {
	Name        string            `yaml:"name"`
	Domain      string            `yaml:"domain"`
	Description string            `yaml:"description"`
	Parameters  map[string]string `yaml:"parameters"`
	FilePath    string            `yaml:"file_path"`
}

// SeedSystemTools loads the embedded system-tool manifest into the
// registry. Idempotent: re-seeding updates descriptions and schemas but
// never resets usage counters or the is_system flag.
func (b *Box) SeedSystemTools() (int, error) {
	var seeds []seedTool
	if err := yaml.Unmarshal(systemToolsYAML, &seeds); err != nil {
		return 0, fmt.Errorf("parse system tool manifest: %w", err)
	}

	for _, seed := range seeds {
		if !namePattern.MatchString(seed.Name) {
			return 0, fmt.Errorf("system tool %q does not match Domain_Action_Object", seed.Name)
		}
		err := b.store.UpsertTool(models.Tool{
			Name:        seed.Name,
			Domain:      seed.Domain,
			Description: seed.Description,
			Parameters:  seed.Parameters,
			FilePath:    seed.FilePath,
			IsSystem:    true,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return 0, err
		}
	}
	return len(seeds), nil
}
