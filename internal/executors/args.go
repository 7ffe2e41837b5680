package executors

import (
	"encoding/json"

	"github.com/rendis/genflow/pkg/schema"
)

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// argMedia decodes a referenceMedia argument, accepting either objects or
// bare URLs.
func argMedia(args map[string]any, key string) []schema.ReferenceMedia {
	raw, ok := args[key]
	if !ok {
		return nil
	}
	if urls := argStrings(args, key); len(urls) > 0 {
		out := make([]schema.ReferenceMedia, len(urls))
		for i, u := range urls {
			out[i] = schema.ReferenceMedia{URL: u, Kind: "image"}
		}
		return out
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []schema.ReferenceMedia
	if json.Unmarshal(b, &out) != nil {
		return nil
	}
	return out
}
