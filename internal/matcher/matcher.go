// Package matcher scores candidate face embeddings against enrolled
// profiles. It is pure: no storage, no clock, no side effects. Frame
// selection and quality filtering happen in the capture collaborator
// before a vector ever reaches this package.
package matcher

import (
	"errors"
	"math"

	"github.com/google/uuid"
)

// ErrIncompatibleEmbedding is returned when a candidate vector cannot
// legitimately be scored: its dimension differs from an enrolled
// vector, or none of the target profiles share its model version.
// Cross-version comparison must fail loudly, never as a low score.
var ErrIncompatibleEmbedding = errors.New("incompatible embedding")

type Embedding struct {
	Vector       []float32
	ModelVersion string
}

// Profile is the matcher's view of one enrolled FaceProfile.
type Profile struct {
	ID           uuid.UUID
	ModelVersion string
	Vectors      [][]float32
}

type MatchResult struct {
	Matched   bool
	ProfileID uuid.UUID
	Score     float64
}

// Match scores the candidate against every enrolled vector whose
// profile shares the candidate's model version and returns the best
// profile if its score clears threshold. An empty profile set is a
// clean miss; a non-empty set with no version-compatible profile is an
// ErrIncompatibleEmbedding. Ties above threshold break deterministically
// by highest score, then lowest profile id.
func Match(candidate Embedding, profiles []Profile, threshold float64) (MatchResult, error) {
	if len(profiles) == 0 {
		return MatchResult{}, nil
	}

	best := MatchResult{Score: math.Inf(-1)}
	compatible := false

	for _, profile := range profiles {
		if profile.ModelVersion != candidate.ModelVersion {
			continue
		}
		compatible = true

		score, err := bestVectorScore(candidate.Vector, profile.Vectors)
		if err != nil {
			return MatchResult{}, err
		}

		if score > best.Score || (score == best.Score && lessID(profile.ID, best.ProfileID)) {
			best.ProfileID = profile.ID
			best.Score = score
		}
	}

	if !compatible {
		return MatchResult{}, ErrIncompatibleEmbedding
	}

	if best.Score < threshold {
		return MatchResult{Score: best.Score}, nil
	}

	best.Matched = true
	return best, nil
}

// FindDuplicate reports whether the candidate is a near-duplicate of an
// already-enrolled profile, used to refuse enrolling one face under two
// accounts. Profiles of other model versions are simply not comparable
// and are skipped rather than rejected.
func FindDuplicate(candidate Embedding, profiles []Profile, threshold float64, exclude uuid.UUID) (MatchResult, error) {
	sameVersion := profiles[:0:0]
	for _, profile := range profiles {
		if profile.ID == exclude || profile.ModelVersion != candidate.ModelVersion {
			continue
		}
		sameVersion = append(sameVersion, profile)
	}

	if len(sameVersion) == 0 {
		return MatchResult{}, nil
	}

	return Match(candidate, sameVersion, threshold)
}

func bestVectorScore(candidate []float32, vectors [][]float32) (float64, error) {
	best := math.Inf(-1)
	for _, vector := range vectors {
		if len(vector) != len(candidate) {
			return 0, ErrIncompatibleEmbedding
		}
		score := Cosine(candidate, vector)
		if score > best {
			best = score
		}
	}
	if math.IsInf(best, -1) {
		// Profile with no stored vectors scores as a total miss.
		return 0, nil
	}
	return best, nil
}

// Cosine returns the cosine similarity of two equal-length vectors in
// [-1, 1]. A zero-norm vector scores 0 against everything.
func Cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns a unit-length copy of the vector, leaving zero
// vectors untouched. Stored embeddings are normalized at enrollment so
// cosine scoring degenerates to a dot product.
func Normalize(vector []float32) []float32 {
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vector
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func lessID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
