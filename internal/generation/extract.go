package generation

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"
)

// Asset is one generated image or video found in model output.
type Asset struct {
	URL      string `json:"url"`
	Kind     string `json:"kind"` // image | video
	MimeType string `json:"mimeType,omitempty"`
}

var (
	dataURLPattern  = regexp.MustCompile(`data:image/([A-Za-z0-9.+-]+);base64,[A-Za-z0-9+/=]+`)
	assetURLPattern = regexp.MustCompile(`(?i)https?://[^\s<>"'()\[\]]+\.(png|jpe?g|gif|webp|mp4|webm|mov)(\?[^\s<>"'()\[\]]*)?`)
)

// structuredFields are message keys some gateways use for image payloads.
var structuredFields = []string{"images", "image", "attachments", "media", "files", "data"}

// parseContent splits mixed model output into assets and the remaining text.
func parseContent(content string) *Result {
	res := &Result{raw: content}
	seen := make(map[string]bool)
	add := func(a Asset) {
		if a.URL == "" || seen[a.URL] {
			return
		}
		seen[a.URL] = true
		res.Assets = append(res.Assets, a)
	}

	text := content
	if trimmed := strings.TrimSpace(content); strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if json.Unmarshal([]byte(trimmed), &obj) == nil {
			for _, a := range ExtractStructured(obj) {
				add(a)
			}
			if s, ok := obj["text"].(string); ok {
				text = s
			} else if s, ok := obj["content"].(string); ok {
				text = s
			}
		}
	}

	for _, m := range dataURLPattern.FindAllStringSubmatch(text, -1) {
		add(Asset{URL: m[0], Kind: "image", MimeType: "image/" + m[1]})
		text = strings.Replace(text, m[0], "", 1)
	}
	for _, m := range assetURLPattern.FindAllStringSubmatch(text, -1) {
		add(assetFromURL(m[0]))
		text = strings.Replace(text, m[0], "", 1)
	}

	res.Text = strings.TrimSpace(stripEmptyMarkdown(text))
	return res
}

// ExtractStructured pulls assets out of structured message fields such as
// {"images":[{"url":"..."}]} or {"image":"data:image/png;base64,..."}.
func ExtractStructured(msg map[string]any) []Asset {
	var out []Asset
	for _, f := range structuredFields {
		v, ok := msg[f]
		if !ok {
			continue
		}
		out = append(out, walkAssets(v)...)
	}
	return out
}

func walkAssets(v any) []Asset {
	switch val := v.(type) {
	case string:
		if m := dataURLPattern.FindStringSubmatch(val); m != nil {
			return []Asset{{URL: m[0], Kind: "image", MimeType: "image/" + m[1]}}
		}
		if assetURLPattern.MatchString(val) || strings.HasPrefix(val, "http") {
			return []Asset{assetFromURL(val)}
		}
		return nil
	case []any:
		var out []Asset
		for _, x := range val {
			out = append(out, walkAssets(x)...)
		}
		return out
	case map[string]any:
		if b64, ok := val["b64_json"].(string); ok && b64 != "" {
			return []Asset{{URL: "data:image/png;base64," + b64, Kind: "image", MimeType: "image/png"}}
		}
		for _, k := range []string{"url", "image_url", "src"} {
			switch u := val[k].(type) {
			case string:
				return walkAssets(u)
			case map[string]any:
				if s, ok := u["url"].(string); ok {
					return walkAssets(s)
				}
			}
		}
	}
	return nil
}

func assetFromURL(u string) Asset {
	p := u
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	switch strings.ToLower(strings.TrimPrefix(path.Ext(p), ".")) {
	case "mp4":
		return Asset{URL: u, Kind: "video", MimeType: "video/mp4"}
	case "webm":
		return Asset{URL: u, Kind: "video", MimeType: "video/webm"}
	case "mov":
		return Asset{URL: u, Kind: "video", MimeType: "video/quicktime"}
	case "jpg", "jpeg":
		return Asset{URL: u, Kind: "image", MimeType: "image/jpeg"}
	case "gif":
		return Asset{URL: u, Kind: "image", MimeType: "image/gif"}
	case "webp":
		return Asset{URL: u, Kind: "image", MimeType: "image/webp"}
	case "png":
		return Asset{URL: u, Kind: "image", MimeType: "image/png"}
	default:
		return Asset{URL: u, Kind: "image"}
	}
}

var emptyMarkdownImage = regexp.MustCompile(`!\[[^\]]*\]\(\s*\)`)

func stripEmptyMarkdown(s string) string {
	return emptyMarkdownImage.ReplaceAllString(s, "")
}

// ParseResult builds a Result from raw model content as Generate would.
func ParseResult(model, content string) *Result {
	r := parseContent(content)
	r.Model = model
	r.Attempts = 1
	return r
}
