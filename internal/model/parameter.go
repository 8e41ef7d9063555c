package model

// ParameterType is the closed set of parameter value kinds a client may
// present in its UI and validate against.
type ParameterType int

const (
	ParameterTypeInt ParameterType = iota
	ParameterTypeBool
	ParameterTypeString
	ParameterTypeMultiString
	ParameterTypeFileUpload
	ParameterTypePassword
)

func (t ParameterType) String() string {
	switch t {
	case ParameterTypeInt:
		return "int"
	case ParameterTypeBool:
		return "bool"
	case ParameterTypeString:
		return "string"
	case ParameterTypeMultiString:
		return "multi-string"
	case ParameterTypeFileUpload:
		return "file-upload"
	case ParameterTypePassword:
		return "password"
	default:
		return "unknown"
	}
}

// Parameter is one named, typed value in a job's parameter set. Order within
// a ParameterList is significant for display; names are unique within a set.
type Parameter struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Type        ParameterType `json:"type"`
	Value       string        `json:"value"`
	Required    bool          `json:"required"`
	MinBound    *string       `json:"min_bound,omitempty"`
	MaxBound    *string       `json:"max_bound,omitempty"`
}

// ParameterList is an ordered set of Parameters keyed by unique name.
type ParameterList []Parameter

// IndexOf returns the index of the parameter with the given name, or -1.
func (pl ParameterList) IndexOf(name string) int {
	for i, p := range pl {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Overlay returns a copy of pl with values from fixed applied first, then
// values from mapped (mapped wins on name conflict), per the job-group
// composer's resolution rule.
func (pl ParameterList) Overlay(fixed, mapped ParameterList) ParameterList {
	result := make(ParameterList, len(pl))
	copy(result, pl)

	apply := func(overrides ParameterList) {
		for _, o := range overrides {
			if idx := result.IndexOf(o.Name); idx >= 0 {
				result[idx].Value = o.Value
			} else {
				result = append(result, o)
			}
		}
	}
	apply(fixed)
	apply(mapped)
	return result
}
