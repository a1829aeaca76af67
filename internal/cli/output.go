package cli

import "encoding/json"

// MarshalJSONIndent renders v as indented JSON for --json output, falling
// back to the error message if marshaling somehow fails.
func MarshalJSONIndent(v any) string {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return `{"error":"` + err.Error() + `"}`
	}
	return string(out)
}
