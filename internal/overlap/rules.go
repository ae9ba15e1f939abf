package overlap

// Rule maps a domain tag to the words that suggest it and the resource
// prefixes work in that domain usually touches.
type Rule struct {
	Domain   string   `yaml:"domain" json:"domain"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Prefixes []string `yaml:"prefixes" json:"prefixes"`
}

// DefaultRules is the built-in keyword table
var DefaultRules = []Rule{
	{
		Domain:   "auth",
		Keywords: []string{"auth", "authentication", "authorization", "login", "logout", "signup", "password", "session", "token", "oauth", "sso", "permission", "role"},
		Prefixes: []string{"internal/auth/", "src/auth/"},
	},
	{
		Domain:   "storage-layer",
		Keywords: []string{"database", "db", "migration", "schema", "sql", "table", "query", "storage", "repository", "persistence", "index"},
		Prefixes: []string{"db/", "migrations/", "internal/store/"},
	},
	{
		Domain:   "interface",
		Keywords: []string{"api", "endpoint", "route", "handler", "rest", "graphql", "grpc", "interface", "contract", "webhook", "rpc"},
		Prefixes: []string{"api/", "internal/api/"},
	},
	{
		Domain:   "ui",
		Keywords: []string{"ui", "form", "page", "component", "button", "frontend", "css", "style", "layout", "screen", "modal"},
		Prefixes: []string{"web/", "ui/"},
	},
	{
		Domain:   "config",
		Keywords: []string{"config", "configuration", "setting", "env", "environment", "flag"},
		Prefixes: []string{"config/", "internal/config/"},
	},
	{
		Domain:   "build",
		Keywords: []string{"build", "ci", "pipeline", "dockerfile", "docker", "makefile", "release", "deploy"},
		Prefixes: []string{".github/", "build/", "Makefile"},
	},
	{
		Domain:   "docs",
		Keywords: []string{"doc", "docs", "documentation", "readme", "changelog", "guide"},
		Prefixes: []string{"docs/", "README.md"},
	},
	{
		Domain:   "testing",
		Keywords: []string{"test", "testing", "fixture", "e2e", "coverage", "benchmark"},
		Prefixes: []string{"test/", "testdata/"},
	},
}
