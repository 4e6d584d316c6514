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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverCallSmartQuotes(t *testing.T) {
	msg := `error parsing tool call: invalid character raw='{"name":"read_file","arguments":{"path":"“src/a.ts”"}}'`

	call := RecoverCall(msg)
	require.NotNil(t, call)
	assert.Equal(t, "read_file", call.Name)
	assert.Equal(t, "src/a.ts", call.Args["path"])
}

func TestRecoverCallFullWidthQuotes(t *testing.T) {
	msg := `error parsing tool call raw='{"name":"grep_search","arguments":{"query":"「main」"}}'`

	call := RecoverCall(msg)
	require.NotNil(t, call)
	assert.Equal(t, "grep_search", call.Name)
	assert.Equal(t, "main", call.Args["query"])
}

func TestRecoverCallSmartQuoteDelimiters(t *testing.T) {
	// Smart quotes used as the JSON string delimiters themselves.
	msg := `error parsing tool call raw='{"name":"read_file","arguments":{"path":“a.ts”}}'`

	call := RecoverCall(msg)
	require.NotNil(t, call)
	assert.Equal(t, "read_file", call.Name)
	assert.Equal(t, "a.ts", call.Args["path"])
}

func TestRecoverCallNameInference(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"query -> search", `raw='{"arguments":{"query":"foo"}}'`, NameSearchFiles},
		{"path+content -> write", `raw='{"arguments":{"path":"a.ts","content":"x"}}'`, NameWriteFile},
		{"command -> terminal", `raw='{"arguments":{"command":"ls"}}'`, NameRunCommand},
		{"symbolName+path -> definition", `raw='{"arguments":{"symbolName":"Foo","path":"a.ts"}}'`, NameFindDefinition},
		{"path only -> read", `raw='{"arguments":{"path":"a.ts"}}'`, NameReadFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := RecoverCall(tt.msg)
			require.NotNil(t, call)
			assert.Equal(t, tt.want, call.Name)
		})
	}
}

func TestRecoverCallUnrecoverable(t *testing.T) {
	assert.Nil(t, RecoverCall("error parsing tool call: no fragment here"))
	assert.Nil(t, RecoverCall(`raw='{"arguments":{"mystery":"x"}}'`), "no inferable name")
	assert.Nil(t, RecoverCall(""))
}
