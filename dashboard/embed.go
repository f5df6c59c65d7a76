// Package dashboard holds the browser UI served at "/".
//
// The page is compiled into the binary, so a pulsequery server needs no
// asset files on disk.
package dashboard

import "embed"

// Assets contains assets/index.html: the query form, the query list, a live
// chart of the selected query's results and the command console.
//
// The page subscribes to the queries, results and replies publications
// over Server-Sent Events and calls the REST API for every mutation.
//
//go:embed assets/*
var Assets embed.FS
