// Package defaults provides the embedded example configuration for the
// imap2mm init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
