package telemetry

import "strings"

// RedactedValue replaces the values of redacted keys.
const RedactedValue = "[REDACTED]"

// BeforeSendFunc inspects or rewrites an envelope before it is queued. Returning nil
// drops the envelope. Hooks run on the goroutine that pushed the envelope, so they must
// be fast.
type BeforeSendFunc func(env *Envelope) *Envelope

// RedactHook returns a hook that replaces the value of every attribute, session or
// user key matching one of keys, compared case-insensitively, with "[REDACTED]".
// Nested mappings are searched as well.
func RedactHook(keys ...string) BeforeSendFunc {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			set[k] = struct{}{}
		}
	}
	return func(env *Envelope) *Envelope {
		if len(set) == 0 {
			return env
		}
		env.Attributes = redact(env.Attributes, set)
		env.Session = redact(env.Session, set)
		env.User = redact(env.User, set)
		return env
	}
}

// redact returns attrs with matching keys replaced. attrs is not modified.
func redact(attrs Attributes, keys map[string]struct{}) Attributes {
	out := make(Attributes, len(attrs))
	for k, v := range attrs {
		if _, ok := keys[strings.ToLower(k)]; ok {
			out[k] = String(RedactedValue)
			continue
		}
		if v.Kind() == ValueMap {
			out[k] = Map(redact(v.AsMap(), keys))
			continue
		}
		out[k] = v
	}
	return out
}
