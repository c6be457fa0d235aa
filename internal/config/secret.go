package config

import "encoding/json"

// secretMask is what a non-empty Secret renders as.
const secretMask = "**********"

// Secret is a string whose value must not leak into logs or dumps. Both
// fmt verbs and JSON marshaling see the masked form; the raw value is
// only available through Reveal.
type Secret string

// Reveal returns the raw secret value.
func (s Secret) Reveal() string {
	return string(s)
}

// String returns the masked form of the secret.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretMask
}

// MarshalJSON writes the masked form of the secret.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
