// Package vector provides vector math operations for kgraph.
//
// This package consolidates the similarity and normalization primitives
// used by the similarity index and the context assembler. Use these
// functions instead of implementing your own to ensure every component
// ranks by the same numbers.
//
// Main Functions:
//   - CosineSimilarity: Standard similarity between two embeddings
//   - DotProduct: Dot product (equals cosine similarity for unit vectors)
//   - Normalize: Returns a normalized copy of a vector
//   - NormalizeInPlace: Normalizes a vector in-place (modifies input)
package vector

import "math"

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in range [-1, 1] where 1 = identical, 0 = orthogonal,
// -1 = opposite. Mismatched or empty inputs return 0.
//
// Uses float64 accumulation for precision even with float32 inputs.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := CosineSimilarity(a, b)  // Returns 0.9746318461970762
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProd, normA, normB float64
	for i := range a {
		dotProd += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProd / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DotProduct calculates the dot product of two float32 vectors.
// Returns float64 for precision.
//
// For normalized vectors, dot product equals cosine similarity, which is
// why the similarity index normalizes on insert and uses this at query time.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	dot := DotProduct(a, b)  // Returns 32.0
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i] * b[i])
	}
	return sum
}

// Normalize returns a normalized copy of the vector.
// The input vector is not modified.
//
// Example:
//
//	original := []float32{3.0, 4.0}
//	normalized := Normalize(original)  // Returns [0.6, 0.8]
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v * v)
	}

	if sumSquares == 0 {
		result := make([]float32, len(vec))
		return result
	}

	norm := math.Sqrt(sumSquares)
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = float32(float64(v) / norm)
	}
	return normalized
}

// NormalizeInPlace normalizes a vector in-place (modifies the input).
// After normalization the vector has unit length.
//
// WARNING: Modifies the input slice. Use Normalize() to preserve original.
func NormalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= norm
	}
}
