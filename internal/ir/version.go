package ir

const (
	// SchemaVersion is the default schema version tag. Handlers are bound to
	// a version; a handler whose version differs from the running version
	// never produces a record.
	SchemaVersion = "0.2.0"

	// ToolVersion is the dashlog binary version.
	ToolVersion = "0.2.0"
)
