package metadata

// Header keys carried by every identity-check envelope.
const (
	KeyCorrelationID = "correlation_id"
	KeySchema        = "event_message_schema"
	KeyIdentityKind  = "identity_kind"
	KeyScope         = "idflow_scope"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
// Entries in the argument win over existing keys.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// CorrelationID returns the correlation header, or "" when absent.
func (m Metadata) CorrelationID() string { return m[KeyCorrelationID] }

// Schema returns the payload schema header, or "" when absent.
func (m Metadata) Schema() string { return m[KeySchema] }

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
