package protocol

import (
	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/command.schema.json
var commandSchemaJSON string

var commandSchema = jsonschema.MustCompileString("command.schema.json", commandSchemaJSON)
