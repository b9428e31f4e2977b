package store

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"

	"github.com/antigravity-gateway/localgw/internal/gatewayerr"
)

const defaultSemanticThreshold = 0.97

// promptHash implements step 1 of the semantic cache lookup algorithm
// (spec §4.1): SHA-256 of the trimmed prompt, hex-encoded.
func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(prompt)))
	return hex.EncodeToString(sum[:])
}

// CacheFindExact returns the stored response for an exact prompt hash
// match, or ("", false, nil) on a clean miss.
func (s *Store) CacheFindExact(prompt string) (string, bool, error) {
	hash := promptHash(prompt)
	var response string
	err := s.db.QueryRow(`SELECT response_text FROM semantic_cache WHERE prompt_hash = ? LIMIT 1`, hash).Scan(&response)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, gatewayerr.Wrap(gatewayerr.KindStorage, "cache find exact", err)
	}
	return response, true, nil
}

// CacheFindSemantic implements step 2 of the lookup algorithm: load
// every stored vector, compute the dot product against queryVector
// (both assumed unit-normalised — the core never re-normalises), and
// return the first row meeting dot >= threshold. threshold <= 0 uses
// the spec default of 0.97.
func (s *Store) CacheFindSemantic(queryVector []float32, threshold float64) (string, bool, error) {
	if threshold <= 0 {
		threshold = defaultSemanticThreshold
	}
	rows, err := s.db.Query(`SELECT embedding, response_text FROM semantic_cache WHERE embedding IS NOT NULL`)
	if err != nil {
		return "", false, gatewayerr.Wrap(gatewayerr.KindStorage, "cache find semantic", err)
	}
	defer rows.Close()

	for rows.Next() {
		var blob []byte
		var response string
		if err := rows.Scan(&blob, &response); err != nil {
			continue
		}
		vec, err := decodeEmbedding(blob)
		if err != nil || len(vec) != len(queryVector) {
			continue
		}
		if dotProduct(vec, queryVector) >= threshold {
			return response, true, nil
		}
	}
	return "", false, rows.Err()
}

// CacheSave stores a new semantic cache entry, keyed by (ID, PromptHash).
func (s *Store) CacheSave(entry CacheEntry) error {
	if entry.PromptHash == "" {
		entry.PromptHash = promptHash(entry.PromptText)
	}
	blob := encodeEmbedding(entry.Embedding)
	_, err := s.db.Exec(`
		INSERT INTO semantic_cache (id, prompt_hash, prompt_text, embedding, response_text, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, prompt_hash) DO UPDATE SET
			prompt_text = excluded.prompt_text, embedding = excluded.embedding,
			response_text = excluded.response_text, model = excluded.model, created_at = excluded.created_at`,
		entry.ID, entry.PromptHash, entry.PromptText, blob, entry.ResponseText, entry.Model, entry.CreatedAt,
	)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindStorage, "cache save", err)
	}
	return nil
}

func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := new(bytes.Buffer)
	buf.Grow(len(vec) * 4)
	for _, f := range vec {
		_ = binary.Write(buf, binary.LittleEndian, f)
	}
	return buf.Bytes()
}

func decodeEmbedding(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, gatewayerr.New(gatewayerr.KindStorage, "embedding blob not a multiple of 4 bytes")
	}
	out := make([]float32, len(blob)/4)
	reader := bytes.NewReader(blob)
	for i := range out {
		if err := binary.Read(reader, binary.LittleEndian, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// magnitude returns the Euclidean norm of v. Nothing in this module
// calls it; the core itself never re-normalises (spec §4.1 step 2).
func magnitude(v []float32) float64 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	return math.Sqrt(sumSq)
}
