package document

// AsFields returns the document's raw field map, synthesizing one from the
// typed fields when the document was built in code rather than decoded.
func (s Start) AsFields() map[string]any {
	if s.Fields != nil {
		return s.Fields
	}
	return map[string]any{"uid": s.UID, "time": s.Time}
}

// AsFields returns the raw field map for a stop document.
func (s Stop) AsFields() map[string]any {
	if s.Fields != nil {
		return s.Fields
	}
	m := map[string]any{
		"uid":         s.UID,
		"run_start":   s.RunStart,
		"time":        s.Time,
		"exit_status": s.ExitStatus,
	}
	if s.Reason != "" {
		m["reason"] = s.Reason
	}
	return m
}

// AsFields returns the raw field map for a descriptor.
func (d Descriptor) AsFields() map[string]any {
	if d.Fields != nil {
		return d.Fields
	}
	rawKeys := make(map[string]any, len(d.DataKeys))
	for key, dk := range d.DataKeys {
		spec := map[string]any{
			"source": dk.Source,
			"dtype":  dk.Dtype,
		}
		if dk.Shape != nil {
			shape := make([]any, len(dk.Shape))
			for i, s := range dk.Shape {
				shape[i] = float64(s)
			}
			spec["shape"] = shape
		}
		if dk.External != "" {
			spec["external"] = dk.External
		}
		if dk.ObjectName != "" {
			spec["object_name"] = dk.ObjectName
		}
		rawKeys[key] = spec
	}
	return map[string]any{
		"uid":       d.UID,
		"run_start": d.RunStart,
		"time":      d.Time,
		"name":      d.Name,
		"data_keys": rawKeys,
	}
}

// AsFields returns the raw field map for a resource.
func (r Resource) AsFields() map[string]any {
	if r.Fields != nil {
		return r.Fields
	}
	return map[string]any{
		"uid":             r.UID,
		"run_start":       r.RunStart,
		"spec":            r.Spec,
		"root":            r.Root,
		"resource_path":   r.ResourcePath,
		"resource_kwargs": r.ResourceKwargs,
	}
}
