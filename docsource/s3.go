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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Fetcher resolves s3://bucket/key URIs.
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher creates a fetcher using the default AWS credential chain.
func NewS3Fetcher(ctx context.Context, region string) (*S3Fetcher, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Fetcher{client: s3.NewFromConfig(awsCfg)}, nil
}

// Scheme implements Fetcher.
func (f *S3Fetcher) Scheme() string { return "s3" }

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, uri *url.URL) ([]byte, error) {
	bucket := uri.Host
	key := strings.TrimPrefix(uri.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 uri must be s3://bucket/key")
	}

	output, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	return readAll(output.Body)
}
