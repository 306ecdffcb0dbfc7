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

package llmio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateConfig_CloneIsDeep(t *testing.T) {
	temp := 0.7
	cfg := &GenerateConfig{
		Temperature:   &temp,
		StopSequences: []string{"END"},
		Metadata:      map[string]string{"k": "v"},
	}

	clone := cfg.Clone()
	require.NotNil(t, clone)

	*clone.Temperature = 1.5
	clone.StopSequences[0] = "MUTATED"
	clone.Metadata["k"] = "mutated"

	assert.Equal(t, 0.7, *cfg.Temperature, "mutating the clone must not affect the original")
	assert.Equal(t, "END", cfg.StopSequences[0])
	assert.Equal(t, "v", cfg.Metadata["k"])
}

func TestGenerateConfig_CloneNil(t *testing.T) {
	var cfg *GenerateConfig
	assert.Nil(t, cfg.Clone())
}
