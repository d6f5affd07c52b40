package web

import "embed"

// Docs embeds the static API reference served under /docs.
//
//go:embed docs
var Docs embed.FS
