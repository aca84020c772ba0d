package interfaces

// APIHandler is implemented by each family of HTTP handlers.
type APIHandler interface {
	// HandlerType returns the type identifier for this API handler.
	HandlerType() string

	// Models returns the models served by this handler, one metadata map each.
	Models() []map[string]any
}
