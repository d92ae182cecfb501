// Package web holds the browser plot page served at "/".
package web

import "embed"

//go:embed index.html style.css app.js
var FS embed.FS
