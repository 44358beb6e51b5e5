package quota

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlans []byte

// Allowance is the daily formula for one meter of a plan.
type Allowance struct {
	Base    int `yaml:"base"`
	PerSite int `yaml:"per_site"`
}

// Daily returns the allowance for an account with the given number of
// active projects.
func (a Allowance) Daily(activeProjects int) int {
	return a.Base + a.PerSite*activeProjects
}

// NoAccess reports whether the plan excludes the meter entirely.
func (a Allowance) NoAccess() bool {
	return a.Base == 0 && a.PerSite == 0
}

// Plan is a named set of meter allowances.
type Plan struct {
	Name   string              `yaml:"name"`
	Meters map[Meter]Allowance `yaml:"meters"`
}

// Catalog indexes plans by name.
type Catalog map[string]Plan

// DefaultCatalog returns the built-in plan catalog.
func DefaultCatalog() (Catalog, error) {
	return ParseCatalog(defaultPlans)
}

// LoadCatalog reads a plan catalog from path, or the built-in one when path
// is empty.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "quota: read plans file %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML plan catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "quota: parse plans")
	}
	if len(doc.Plans) == 0 {
		return nil, eris.New("quota: plan catalog is empty")
	}
	cat := make(Catalog, len(doc.Plans))
	for _, p := range doc.Plans {
		if p.Name == "" {
			return nil, eris.New("quota: plan without a name")
		}
		if _, dup := cat[p.Name]; dup {
			return nil, eris.Errorf("quota: duplicate plan %q", p.Name)
		}
		cat[p.Name] = p
	}
	return cat, nil
}

// Allowance returns the allowance of meter under the named plan. Unknown
// plans and meters have no access.
func (c Catalog) Allowance(plan string, meter Meter) Allowance {
	return c[plan].Meters[meter]
}
