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

package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	metricRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexflow_runs_total",
			Help: "Completed runs by terminal status",
		},
		[]string{"status"},
	)

	metricTurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexflow_turn_duration_seconds",
			Help:    "Agent turn latency by agent kind",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"agent"},
	)

	metricRetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexflow_retrieval_duration_seconds",
			Help:    "Federated retrieval latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"degraded"},
	)

	metricPolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexflow_policy_decisions_total",
			Help: "Policy checkpoint decisions by checkpoint and action",
		},
		[]string{"checkpoint", "action"},
	)

	metricPIIDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexflow_pii_detections_total",
			Help: "PII detections by kind",
		},
		[]string{"kind"},
	)

	metricAuditBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexflow_audit_batch_size",
			Help:    "Audit records flushed per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	metricQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexflow_run_queue_depth",
			Help: "Runs waiting in the supervisor queue",
		},
	)

	metricRunCost = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexflow_run_cost_usd",
			Help:    "Total model cost per run in USD",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)
)

func init() {
	prometheus.MustRegister(
		metricRunsTotal,
		metricTurnDuration,
		metricRetrievalDuration,
		metricPolicyDecisions,
		metricPIIDetections,
		metricAuditBatchSize,
		metricQueueDepth,
		metricRunCost,
	)
}
