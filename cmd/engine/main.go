// Copyright 2025 LexFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point for the LexFlow generation engine.
//
// The engine is a multi-tenant service that:
// - Orchestrates analyser, researcher, drafter, critic, and formatter agents
// - Federates retrieval across semantic, lexical, and caller-supplied legs
// - Evaluates tenant policies at every checkpoint of a run
// - Seals a tamper-evident audit record before any document is returned
//
// Usage:
//
//	./engine
//
// Environment Variables:
//
//	LEXFLOW_CONFIG - path to a YAML config file (optional)
//	DATABASE_HOST, DATABASE_PASSWORD - PostgreSQL connection
//	REDIS_ADDR - Redis address
//	QDRANT_URL - Qdrant endpoint
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	BEDROCK_REGION, BEDROCK_MODEL - AWS Bedrock provider (optional)
package main

import (
	"lexflow/platform/engine"
)

func main() {
	engine.Run()
}
