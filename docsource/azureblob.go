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

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureBlobFetcher resolves az://container/blob URIs against one storage
// account.
type AzureBlobFetcher struct {
	client *azblob.Client
}

// NewAzureBlobFetcher creates a fetcher authenticated with the default Azure
// credential chain (managed identity, workload identity, CLI).
func NewAzureBlobFetcher(accountName string) (*AzureBlobFetcher, error) {
	if accountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &AzureBlobFetcher{client: client}, nil
}

// Scheme implements Fetcher.
func (f *AzureBlobFetcher) Scheme() string { return "az" }

// Fetch implements Fetcher.
func (f *AzureBlobFetcher) Fetch(ctx context.Context, uri *url.URL) ([]byte, error) {
	container := uri.Host
	blob := strings.TrimPrefix(uri.Path, "/")
	if container == "" || blob == "" {
		return nil, fmt.Errorf("azure uri must be az://container/blob")
	}

	response, err := f.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("azure download %s/%s: %w", container, blob, err)
	}
	return readAll(response.Body)
}
