// Copyright 2025 Tom Barlow
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

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupNoneIsInert(t *testing.T) {
	p, err := Setup(context.Background(), Config{Exporter: ExporterNone})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupDefaultsToNone(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupStdoutExporter(t *testing.T) {
	p, err := Setup(context.Background(), Config{
		Exporter:    ExporterStdout,
		ServiceName: "batond-test",
	})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

// The OTLP HTTP exporter dials lazily, so setup succeeds without a
// collector listening.
func TestSetupOTLPExporter(t *testing.T) {
	p, err := Setup(context.Background(), Config{
		Exporter:    ExporterOTLP,
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		ServiceName: "batond-test",
	})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
