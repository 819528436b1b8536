package loader

import (
	"path"
	"strings"
)

// Kind selects how a fetched resource is decoded.
type Kind string

const (
	KindJSON     Kind = "json"
	KindYAML     Kind = "yaml"
	KindCUE      Kind = "cue"
	KindMarkup   Kind = "markup"
	KindAsset    Kind = "asset"
	KindExchange Kind = "exchange"
)

var extKinds = map[string]Kind{
	".json": KindJSON,
	".yaml": KindYAML,
	".yml":  KindYAML,
	".cue":  KindCUE,
	".html": KindMarkup,
	".htm":  KindMarkup,
	".txt":  KindMarkup,
	".md":   KindMarkup,
	".css":  KindAsset,
	".js":   KindAsset,
	".mjs":  KindAsset,
	".png":  KindAsset,
	".jpg":  KindAsset,
	".jpeg": KindAsset,
	".gif":  KindAsset,
	".svg":  KindAsset,
	".webp": KindAsset,
	".woff": KindAsset,
}

// KindOf classifies a URL by its file extension, ignoring query and
// fragment. Unknown extensions are exchanges.
func KindOf(u string) Kind {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if k, ok := extKinds[strings.ToLower(path.Ext(u))]; ok {
		return k
	}
	return KindExchange
}
