package fwtap

import _ "embed"

// DefaultSmokeScript is the embedded smoke.lua script, the default for
// `fwtap run` when no script is given.
//
//go:embed examples/smoke.lua
var DefaultSmokeScript string

// DefaultSoakScript is the embedded soak.lua box-cycling script.
//
//go:embed examples/soak.lua
var DefaultSoakScript string
