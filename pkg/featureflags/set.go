package featureflags

var (
	// ExpandEnv can enable or disable $ENV expansion in the config file,
	// useful in environments where a literal $ sign is part of a secret
	// (e.g. a database password) and would otherwise be misread as a
	// reference.
	ExpandEnv = newFlag("expand_env", true)

	// ConfigDisallowUnknownFields forbids unknown fields in the config
	// file while unmarshaling, catching typo'd keys that would otherwise
	// silently fall back to their defaults.
	ConfigDisallowUnknownFields = newFlag("config_disallow_unknown_fields", false)
)
