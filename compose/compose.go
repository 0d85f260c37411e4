// Package compose validates docker compose manifests before they are shipped
// inside a CVM configuration, and carries the built-in eliza agent manifest.
package compose

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"

	"github.com/ruteri/cvm-deployer/interfaces"
	"gopkg.in/yaml.v3"
)

//go:embed assets/eliza-compose.yaml
var elizaCompose string

var ErrInvalidManifest = errors.New("invalid compose manifest")

// Default returns the eliza agent compose file. CHARACTER_DATA is escaped as
// $${...} so it is expanded by the container shell, not by compose.
func Default() string {
	return elizaCompose
}

// Manifest is a parsed docker compose file.
type Manifest struct {
	Raw string

	// Services in declaration order.
	Services []string

	// EnvRefs are the distinct ${NAME} references in first-seen order.
	EnvRefs []string
}

var envRefPattern = regexp.MustCompile(`(\$+)\{([A-Za-z_][A-Za-z0-9_]*)[^}]*\}`)

// Parse checks that raw is a YAML document with a non-empty services mapping.
func Parse(raw string) (*Manifest, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level is not a mapping", ErrInvalidManifest)
	}

	var services *yaml.Node
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == "services" {
			services = doc.Content[i+1]
			break
		}
	}
	if services == nil {
		return nil, fmt.Errorf("%w: no services", ErrInvalidManifest)
	}
	if services.Kind != yaml.MappingNode || len(services.Content) == 0 {
		return nil, fmt.Errorf("%w: services must be a non-empty mapping", ErrInvalidManifest)
	}

	m := &Manifest{Raw: raw}
	for i := 0; i+1 < len(services.Content); i += 2 {
		m.Services = append(m.Services, services.Content[i].Value)
	}
	m.EnvRefs = envRefs(raw)
	return m, nil
}

func envRefs(raw string) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, match := range envRefPattern.FindAllStringSubmatch(raw, -1) {
		// $$ is a literal dollar sign
		if len(match[1])%2 == 0 {
			continue
		}
		name := match[2]
		if !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	}
	return refs
}

// MissingEnv returns the references of the manifest that envs does not define.
func (m *Manifest) MissingEnv(envs interfaces.EnvVars) []string {
	var missing []string
	for _, ref := range m.EnvRefs {
		if _, ok := envs.Lookup(ref); !ok {
			missing = append(missing, ref)
		}
	}
	return missing
}
