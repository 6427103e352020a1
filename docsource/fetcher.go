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

// Package docsource resolves caller-supplied document URIs into text. A
// request may attach documents inline or by reference; referenced documents
// are fetched from object storage before the run starts.
package docsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lexflow/platform/shared/backoff"
	"lexflow/platform/shared/logger"
)

// MaxDocumentBytes bounds a single fetched document.
const MaxDocumentBytes = 10 << 20 // 10 MiB

// Fetcher resolves one URI scheme into document bytes.
type Fetcher interface {
	// Scheme returns the URI scheme this fetcher serves ("s3", "gs", "az").
	Scheme() string

	// Fetch reads the object addressed by the parsed URI.
	Fetch(ctx context.Context, uri *url.URL) ([]byte, error)
}

// Resolver dispatches URIs to scheme fetchers, with retries and a per-scheme
// circuit breaker so one failing backend cannot stall every intake.
type Resolver struct {
	log      *logger.Logger
	mu       sync.RWMutex
	fetchers map[string]Fetcher
	breakers map[string]*backoff.CircuitBreaker
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		log:      logger.New("docsource"),
		fetchers: make(map[string]Fetcher),
		breakers: make(map[string]*backoff.CircuitBreaker),
	}
}

// Register adds a fetcher for its scheme.
func (r *Resolver) Register(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[f.Scheme()] = f
	r.breakers[f.Scheme()] = backoff.NewCircuitBreaker("docsource-"+f.Scheme(), 5, 30*time.Second)
}

// Schemes returns the registered URI schemes.
func (r *Resolver) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		schemes = append(schemes, s)
	}
	return schemes
}

// Resolve fetches the document behind a URI as text.
func (r *Resolver) Resolve(ctx context.Context, rawURI string) (string, error) {
	parsed, err := url.Parse(rawURI)
	if err != nil {
		return "", fmt.Errorf("invalid document uri %q: %w", rawURI, err)
	}

	r.mu.RLock()
	fetcher, ok := r.fetchers[parsed.Scheme]
	breaker := r.breakers[parsed.Scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unsupported document uri scheme %q", parsed.Scheme)
	}

	var data []byte
	err = breaker.Execute(ctx, func() error {
		fetched, err := backoff.Retry(ctx, backoff.DefaultRetryConfig(), func() ([]byte, error) {
			return fetcher.Fetch(ctx, parsed)
		})
		if err != nil {
			return err
		}
		data = fetched
		return nil
	})
	if err != nil {
		r.log.Error("", "", "document fetch failed", map[string]interface{}{
			"scheme": parsed.Scheme, "host": parsed.Host, "error": err.Error(),
		})
		return "", err
	}

	if len(data) > MaxDocumentBytes {
		return "", fmt.Errorf("document %s exceeds the %d byte limit", rawURI, MaxDocumentBytes)
	}
	if !strings.HasPrefix(http.DetectContentType(data), "text/") {
		// Binary formats are out of scope; callers must extract text first.
		return "", fmt.Errorf("document %s is not plain text", rawURI)
	}
	return string(data), nil
}

func readAll(body io.ReadCloser) ([]byte, error) {
	defer body.Close()
	return io.ReadAll(io.LimitReader(body, MaxDocumentBytes+1))
}
