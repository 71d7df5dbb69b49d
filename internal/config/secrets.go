package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields
// replaced by the redaction placeholder "***". Use this when logging the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Server.AdminKey)

	redact(&out.Store.DSN)
	redact(&out.Store.Password)
	redact(&out.Store.CredPassphrase)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	return out
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
