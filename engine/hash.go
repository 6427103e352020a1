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

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"sort"
	"strings"
)

// Canonical digest encoding: every field is written as a 4-byte big-endian
// length prefix followed by the field bytes. Integers are written as
// fixed-width big-endian values, floats as their IEEE 754 bit pattern,
// strings as UTF-8 with trailing whitespace stripped. Field order is fixed
// by the hash function, never by map iteration.

func writeField(h hash.Hash, field []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	h.Write(lenBuf[:])
	h.Write(field)
}

func writeString(h hash.Hash, s string) {
	writeField(h, []byte(strings.TrimRight(s, " \t\r\n")))
}

func writeInt(h hash.Hash, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	writeField(h, buf[:])
}

func writeBool(h hash.Hash, v bool) {
	if v {
		writeField(h, []byte{1})
	} else {
		writeField(h, []byte{0})
	}
}

func writeFloat(h hash.Hash, v float64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	writeField(h, buf[:])
}

// InputHash digests the normalised user query, the sorted identity pair, and
// the configuration bundle in canonical form.
func InputHash(query, tenantID, userID string, cfg RunConfig) string {
	h := sha256.New()
	writeString(h, query)

	ids := []string{tenantID, userID}
	sort.Strings(ids)
	for _, id := range ids {
		writeString(h, id)
	}

	// Config fields in fixed alphabetical key order.
	writeFloat(h, cfg.CostCeiling)
	writeInt(h, int64(cfg.DeadlineMS))
	writeString(h, cfg.DocumentType)
	writeBool(h, cfg.EnablePersonalisation)
	writeInt(h, int64(cfg.KTotal))
	writeInt(h, int64(cfg.MaxIterations))
	writeInt(h, int64(cfg.MaxRevisions))

	prefKinds := make([]string, 0, len(cfg.ModelPreferences))
	for kind := range cfg.ModelPreferences {
		prefKinds = append(prefKinds, string(kind))
	}
	sort.Strings(prefKinds)
	writeInt(h, int64(len(prefKinds)))
	for _, kind := range prefKinds {
		writeString(h, kind)
		writeString(h, cfg.ModelPreferences[AgentKind(kind)])
	}

	writeFloat(h, cfg.PersonalisationAlpha)
	writeString(h, string(cfg.PIIStrategy))
	writeBool(h, cfg.UseInternalRAG)

	return hex.EncodeToString(h.Sum(nil))
}

// OutputHash digests the final text.
func OutputHash(finalText string) string {
	h := sha256.New()
	writeString(h, finalText)
	return hex.EncodeToString(h.Sum(nil))
}

// ContextHash digests the sorted, deduplicated source ids consumed by the
// run. The length-prefixed encoding is the canonical separator: no id
// concatenation can collide with another id list.
func ContextHash(sourceIDs []string) string {
	unique := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		if id != "" {
			unique[id] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(unique))
	for id := range unique {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	h := sha256.New()
	for _, id := range sorted {
		writeString(h, id)
	}
	return hex.EncodeToString(h.Sum(nil))
}
