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

package docsource

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type fakeFetcher struct {
	scheme string
	fetch  func(uri *url.URL) ([]byte, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) Scheme() string { return f.scheme }

func (f *fakeFetcher) Fetch(_ context.Context, uri *url.URL) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fetch(uri)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textFetcher(scheme, text string) *fakeFetcher {
	return &fakeFetcher{scheme: scheme, fetch: func(*url.URL) ([]byte, error) {
		return []byte(text), nil
	}}
}

func TestResolveSuccess(t *testing.T) {
	r := NewResolver()
	fetcher := textFetcher("s3", "conteúdo do contrato em texto plano")
	r.Register(fetcher)

	text, err := r.Resolve(context.Background(), "s3://bucket/contrato.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.Contains(text, "contrato") {
		t.Errorf("text = %q", text)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("calls = %d", fetcher.callCount())
	}
}

func TestResolveUnknownScheme(t *testing.T) {
	r := NewResolver()
	r.Register(textFetcher("s3", "x"))

	if _, err := r.Resolve(context.Background(), "ftp://host/doc.txt"); err == nil {
		t.Error("unregistered scheme must fail")
	}
}

func TestResolveInvalidURI(t *testing.T) {
	r := NewResolver()
	if _, err := r.Resolve(context.Background(), "://missing-scheme"); err == nil {
		t.Error("malformed uri must fail")
	}
}

func TestResolveRejectsBinary(t *testing.T) {
	r := NewResolver()
	png := append([]byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}, bytes.Repeat([]byte{0}, 64)...)
	r.Register(&fakeFetcher{scheme: "s3", fetch: func(*url.URL) ([]byte, error) {
		return png, nil
	}})

	if _, err := r.Resolve(context.Background(), "s3://bucket/imagem.png"); err == nil {
		t.Error("binary content must be rejected")
	}
}

func TestResolveSizeLimit(t *testing.T) {
	r := NewResolver()
	huge := bytes.Repeat([]byte("a"), MaxDocumentBytes+1)
	r.Register(&fakeFetcher{scheme: "s3", fetch: func(*url.URL) ([]byte, error) {
		return huge, nil
	}})

	if _, err := r.Resolve(context.Background(), "s3://bucket/gigante.txt"); err == nil {
		t.Error("oversized documents must be rejected")
	}
}

// TestResolveRetriesTransient verifies transient backend errors are retried
// inside a single Resolve call.
func TestResolveRetriesTransient(t *testing.T) {
	r := NewResolver()
	attempts := 0
	fetcher := &fakeFetcher{scheme: "s3", fetch: func(*url.URL) ([]byte, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("connection refused")
		}
		return []byte("texto recuperado"), nil
	}}
	r.Register(fetcher)

	text, err := r.Resolve(context.Background(), "s3://bucket/doc.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if text != "texto recuperado" {
		t.Errorf("text = %q", text)
	}
	if fetcher.callCount() != 2 {
		t.Errorf("calls = %d, want 2", fetcher.callCount())
	}
}

func TestResolvePermanentErrorFailsFast(t *testing.T) {
	r := NewResolver()
	fetcher := &fakeFetcher{scheme: "s3", fetch: func(*url.URL) ([]byte, error) {
		return nil, errors.New("access denied")
	}}
	r.Register(fetcher)

	if _, err := r.Resolve(context.Background(), "s3://bucket/doc.txt"); err == nil {
		t.Fatal("expected an error")
	}
	if fetcher.callCount() != 1 {
		t.Errorf("calls = %d, permanent errors must not retry", fetcher.callCount())
	}
}

// TestResolveCircuitBreaker verifies a persistently failing backend stops
// receiving traffic.
func TestResolveCircuitBreaker(t *testing.T) {
	r := NewResolver()
	fetcher := &fakeFetcher{scheme: "gs", fetch: func(*url.URL) ([]byte, error) {
		return nil, errors.New("access denied")
	}}
	r.Register(fetcher)

	for i := 0; i < 5; i++ {
		if _, err := r.Resolve(context.Background(), "gs://bucket/doc.txt"); err == nil {
			t.Fatalf("Resolve #%d should fail", i)
		}
	}
	calls := fetcher.callCount()
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}

	// circuit is open now; the backend must not be touched again
	if _, err := r.Resolve(context.Background(), "gs://bucket/doc.txt"); err == nil {
		t.Fatal("open circuit should fail")
	}
	if fetcher.callCount() != calls {
		t.Errorf("calls = %d, open circuit must not reach the backend", fetcher.callCount())
	}
}

func TestSchemes(t *testing.T) {
	r := NewResolver()
	r.Register(textFetcher("s3", "x"))
	r.Register(textFetcher("gs", "x"))

	schemes := make(map[string]bool)
	for _, s := range r.Schemes() {
		schemes[s] = true
	}
	if !schemes["s3"] || !schemes["gs"] || len(schemes) != 2 {
		t.Errorf("schemes = %v", schemes)
	}
}
