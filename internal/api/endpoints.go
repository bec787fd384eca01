package api

// Build endpoints
const (
	BuildsPath      = "/builds"
	BuildPath       = "/builds/{name}"
	BuildCancelPath = "/builds/{name}/cancel"
	BuildEventsPath = "/builds/{name}/events"
)

// Template endpoints
const (
	TemplatesPath = "/templates"
	TemplatePath  = "/templates/{name}"
)

// Operational endpoints
const (
	HealthPath  = "/health"
	MetricsPath = "/metrics"
)

// PublicEndpoints defines endpoints that don't require authentication
var PublicEndpoints = map[string]bool{
	HealthPath:  true,
	MetricsPath: true,
}
