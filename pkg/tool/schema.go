// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives the JSON schema of a tool's parameters from a typed
// args struct.
//
// Supported tags:
//   - json:"name"                          parameter name
//   - json:",omitempty"                    optional parameter
//   - jsonschema:"required"                explicitly required
//   - jsonschema:"description=..."         parameter description
//   - jsonschema:"default=...,enum=a|b"    constraints
func SchemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))
	out, err := schemaToMap(schema)
	if err != nil {
		// A broken schema means a broken args struct; surface loudly in
		// development rather than sending the model a half-schema.
		panic(fmt.Sprintf("tool: failed to reflect schema: %v", err))
	}

	result := map[string]any{
		"type":       "object",
		"properties": out["properties"],
	}
	if required, ok := out["required"]; ok {
		result["required"] = required
	}
	return result
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
