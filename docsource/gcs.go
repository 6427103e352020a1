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
	"context"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSFetcher resolves gs://bucket/object URIs.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher creates a fetcher using application default credentials.
func NewGCSFetcher(ctx context.Context) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSFetcher{client: client}, nil
}

// Scheme implements Fetcher.
func (f *GCSFetcher) Scheme() string { return "gs" }

// Fetch implements Fetcher.
func (f *GCSFetcher) Fetch(ctx context.Context, uri *url.URL) ([]byte, error) {
	bucket := uri.Host
	object := strings.TrimPrefix(uri.Path, "/")
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("gcs uri must be gs://bucket/object")
	}

	reader, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s/%s: %w", bucket, object, err)
	}
	return readAll(reader)
}

// Close releases the underlying client.
func (f *GCSFetcher) Close() error {
	return f.client.Close()
}
