package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"atmos.ai/internal/sim/gas"
)

//go:embed species.schema.json
var speciesSchemaJSON string

var speciesSchema = jsonschema.MustCompileString("species.schema.json", speciesSchemaJSON)

type Catalogs struct {
	Species SpeciesCatalog
}

type SpeciesCatalog struct {
	Defs     []gas.SpeciesDef
	Registry *gas.Registry
	Digest   string
}

// Load reads every catalog under configDir. A species catalog that fails to
// validate is fatal for the caller: no mixture can be built without it.
func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadSpecies(filepath.Join(configDir, "species.json"), &c.Species); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadSpecies(path string, out *SpeciesCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return ParseSpecies(raw, out)
}

// ParseSpecies validates raw against the species schema and builds the registry.
func ParseSpecies(raw []byte, out *SpeciesCatalog) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("species.json: %w", err)
	}
	if err := speciesSchema.Validate(doc); err != nil {
		return fmt.Errorf("species.json: %w: %v", gas.ErrUnresolvableSpecies, err)
	}
	var defs []gas.SpeciesDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("species.json: %w", err)
	}
	reg, err := gas.NewRegistry(defs)
	if err != nil {
		return fmt.Errorf("species.json: %w", err)
	}
	out.Defs = reg.Defs()
	out.Registry = reg
	out.Digest = sha256Hex(raw)
	return nil
}
