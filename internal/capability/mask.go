package capability

// MaskedValue is what password fields read back as. Submitting it verbatim
// means "keep the stored secret".
const MaskedValue = "***"

// MaskConfig returns a copy of config with every password field replaced by
// the mask sentinel. Non-secret fields pass through untouched.
func MaskConfig(config map[string]string, schema []SchemaField) map[string]string {
	out := make(map[string]string, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, f := range schema {
		if f.Type != FieldPassword {
			continue
		}
		if v, ok := out[f.Name]; ok && v != "" {
			out[f.Name] = MaskedValue
		}
	}
	return out
}

// RestoreSecrets merges a submitted config against the previously stored
// one: any password field submitted as the mask sentinel is replaced by the
// stored value. Returns a copy.
func RestoreSecrets(submitted, stored map[string]string, schema []SchemaField) map[string]string {
	out := make(map[string]string, len(submitted))
	for k, v := range submitted {
		out[k] = v
	}
	for _, f := range schema {
		if f.Type != FieldPassword {
			continue
		}
		if out[f.Name] == MaskedValue {
			out[f.Name] = stored[f.Name]
		}
	}
	return out
}
