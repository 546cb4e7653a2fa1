package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
	DocURL   string
}

const docBase = "https://nest.vango.dev/docs/errors/"

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Engine Errors (N001-N099)
	// ============================================

	"N001": {
		Category: CategoryRuntime,
		Message:  "Subscription cycle",
		Detail:   "A dependent subscription names a key that is already on the chain that produced it. The whole subscribe call was rolled back.",
		DocURL:   docBase + "N001",
	},
	"N002": {
		Category: CategoryRuntime,
		Message:  "Missing slot",
		Detail:   "A child event arrived for a key that has no cache slot. The event was dropped.",
		DocURL:   docBase + "N002",
	},
	"N003": {
		Category: CategoryRuntime,
		Message:  "Configuration conflict",
		Detail:   "The descriptor combines options that cannot be used together, such as TransformValue with TransformChild. TransformValue is applied and TransformChild ignored.",
		DocURL:   docBase + "N003",
	},
	"N004": {
		Category: CategoryRuntime,
		Message:  "Remote watch failed",
		Detail:   "The remote service reported an error for a watch. Sibling watches are unaffected.",
		DocURL:   docBase + "N004",
	},
	"N005": {
		Category: CategoryRuntime,
		Message:  "Invalid descriptor",
		Detail:   "A descriptor needs a key, exactly one mode and a path or query.",
		DocURL:   docBase + "N005",
	},
	"N006": {
		Category: CategoryRuntime,
		Message:  "Subscription cancelled",
		Detail:   "The subscription was cancelled before all of its data arrived.",
		DocURL:   docBase + "N006",
	},
	"N007": {
		Category: CategoryRuntime,
		Message:  "Engine closed",
		Detail:   "The engine was closed; no further subscriptions are accepted.",
		DocURL:   docBase + "N007",
	},

	// ============================================
	// Config/CLI Errors (N100-N199)
	// ============================================

	"N101": {
		Category: CategoryConfig,
		Message:  "Invalid configuration file",
		Detail:   "The nest.json file could not be parsed.",
		DocURL:   docBase + "N101",
	},
	"N102": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
		Detail:   "A configuration value is out of range or malformed.",
		DocURL:   docBase + "N102",
	},
	"N103": {
		Category: CategoryConfig,
		Message:  "Invalid descriptor file",
		Detail:   "The descriptor file could not be parsed or one of its expressions failed to compile.",
		DocURL:   docBase + "N103",
	},
	"N110": {
		Category: CategoryCLI,
		Message:  "Snapshot sink failed",
		Detail:   "Reading or writing a snapshot failed.",
		DocURL:   docBase + "N110",
	},
	"N111": {
		Category: CategoryCLI,
		Message:  "Invalid arguments",
		Detail:   "The command was called with missing or malformed arguments.",
		DocURL:   docBase + "N111",
	},

	// ============================================
	// Transport Errors (N200-N299)
	// ============================================

	"N201": {
		Category: CategoryTransport,
		Message:  "Remote connection failed",
		Detail:   "Could not connect to the remote data service.",
		DocURL:   docBase + "N201",
	},
	"N202": {
		Category: CategoryTransport,
		Message:  "Remote request failed",
		Detail:   "The remote data service rejected a request.",
		DocURL:   docBase + "N202",
	},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds a new error template to the registry.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}
