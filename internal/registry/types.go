package registry

// serviceFile is the on-disk shape of one <service>.yaml file. One file
// declares exactly one service and the tools it exposes, following the
// same read-file/yaml.Unmarshal/validate shape as a knowledge pack loader.
type serviceFile struct {
	Service serviceSpec `yaml:"service"`
	Tools   []toolSpec  `yaml:"tools"`
}

type serviceSpec struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Auth    authSpec          `yaml:"auth"`
	Timeout string            `yaml:"timeout"`
	Errors  map[string]string `yaml:"errors"`
	Health  *healthSpec       `yaml:"health"`
	Handler string            `yaml:"handler"` // "" => generic HTTP; else a registered plugin factory name
}

type authSpec struct {
	Scheme string `yaml:"scheme"` // bearer | header | query | basic
	Name   string `yaml:"name"`   // header/query name, when applicable
	Token  string `yaml:"token"`
	User   string `yaml:"user"`
	Pass   string `yaml:"pass"`
}

type healthSpec struct {
	Method           string `yaml:"method"`
	Path             string `yaml:"path"`
	ExpectedStatus   int    `yaml:"expected_status"`
}

type toolSpec struct {
	Name              string              `yaml:"name"`
	Description       string              `yaml:"description"`
	SignatureTemplate string              `yaml:"signature_template"`
	Args              map[string]argSpec  `yaml:"args"`
	Request           requestSpec         `yaml:"request"`
	Response          responseSpec        `yaml:"response"`
	ParamsSchema      map[string]any      `yaml:"params_schema"`
}

type argSpec struct {
	Required bool   `yaml:"required"`
	Validate string `yaml:"validate"`
	Type     string `yaml:"type"`
}

type requestSpec struct {
	Method      string   `yaml:"method"`
	Path        string   `yaml:"path"`
	BodyExclude []string `yaml:"body_exclude"`
}

type responseSpec struct {
	WrapKey string `yaml:"wrap_key"`
}
