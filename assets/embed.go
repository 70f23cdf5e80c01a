package assets

import _ "embed"

// ExampleConfig is the annotated configuration written by "stbkpi config init".
//
//go:embed stbkpi.example.yaml
var ExampleConfig []byte
