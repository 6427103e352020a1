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

/*
Package logger provides structured JSON logging with multi-tenant support
for the LexFlow engine.

# Overview

The logger outputs single-line JSON to stdout, making logs directly
consumable by CloudWatch, ELK, or any other log aggregation stack.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (supervisor, retrieval-federator, etc.)
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Run ID (for correlating lines with audit records)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("supervisor")

Log messages with tenant and run context:

	log.Info("tenant-123", "run-456", "run accepted", map[string]interface{}{
	    "task": "draft",
	})

Log errors with a machine-readable code:

	log.ErrorWithCode("tenant-123", "run-456", "seal failed", "audit_write_failed", err, nil)

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("tenant-123", "run-456", "run completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"supervisor","instance_id":"i-abc123","container":"engine-xyz",
	 "tenant_id":"tenant-123","run_id":"run-456",
	 "message":"run accepted","fields":{"task":"draft"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
